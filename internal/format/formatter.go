// Package format renders canonical chat messages for each egress
// platform. Rendering is a pure function of the message and the author's
// rank coordinate; adapters own delivery concerns like segmentation.
package format

import (
	"fmt"
	"strings"

	"github.com/crosslink-mc/crosslink/internal/chat"
)

// rankColor maps main-rank bands to host color codes. The palette climbs
// with rank: gray for new players through gold at the top of the lattice.
func rankColor(mainRank int) string {
	switch {
	case mainRank >= 20:
		return "§6" // gold
	case mainRank >= 15:
		return "§d" // light purple
	case mainRank >= 10:
		return "§b" // aqua
	case mainRank >= 5:
		return "§a" // green
	default:
		return "§7" // gray
	}
}

// RankPrefix renders the lattice coordinate as the chat prefix, e.g.
// "[12.3]". Sub rank zero is omitted so fresh ranks read as "[12]".
func RankPrefix(mainRank, subRank int) string {
	if subRank == 0 {
		return fmt.Sprintf("[%d]", mainRank)
	}
	return fmt.Sprintf("[%d.%d]", mainRank, subRank)
}

// Render produces the egress text for one platform. The channel tag is
// inserted when the message is leaving its origin platform, so readers on
// the far side of a bridge can tell which channel it came from.
func Render(msg *chat.Message, egress chat.Platform) string {
	bridged := msg.Origin != egress
	switch egress {
	case chat.PlatformGame:
		return renderGame(msg, bridged)
	case chat.PlatformSocial:
		return renderSocial(msg, bridged)
	default:
		return renderBridge(msg, bridged)
	}
}

// renderGame uses the host's section-sign color tags.
func renderGame(msg *chat.Message, bridged bool) string {
	var b strings.Builder
	if bridged {
		b.WriteString("§8[#")
		b.WriteString(msg.Channel)
		b.WriteString("] ")
	}
	color := rankColor(msg.Author.MainRank)
	b.WriteString(color)
	b.WriteString(RankPrefix(msg.Author.MainRank, msg.Author.SubRank))
	b.WriteString(" §f")
	b.WriteString(msg.Author.DisplayName)
	b.WriteString("§7: §f")
	b.WriteString(msg.CanonicalText)
	if msg.Translated {
		b.WriteString(" §8(")
		b.WriteString(msg.Lang)
		b.WriteString(")")
	}
	return b.String()
}

// renderSocial uses the platform's markdown subset.
func renderSocial(msg *chat.Message, bridged bool) string {
	var b strings.Builder
	if bridged {
		b.WriteString("`#")
		b.WriteString(msg.Channel)
		b.WriteString("` ")
	}
	b.WriteString("**")
	b.WriteString(RankPrefix(msg.Author.MainRank, msg.Author.SubRank))
	b.WriteString(" ")
	b.WriteString(escapeMarkdown(msg.Author.DisplayName))
	b.WriteString("**: ")
	b.WriteString(escapeMarkdown(msg.CanonicalText))
	if msg.Translated {
		b.WriteString(" *(")
		b.WriteString(msg.Lang)
		b.WriteString(")*")
	}
	return b.String()
}

// renderBridge uses federated markdown; the channel tag always rides along
// because the far side fans out to many rooms.
func renderBridge(msg *chat.Message, _ bool) string {
	var b strings.Builder
	b.WriteString("[#")
	b.WriteString(msg.Channel)
	b.WriteString("] **")
	b.WriteString(escapeMarkdown(msg.Author.DisplayName))
	b.WriteString("** `")
	b.WriteString(RankPrefix(msg.Author.MainRank, msg.Author.SubRank))
	b.WriteString("`: ")
	b.WriteString(escapeMarkdown(msg.CanonicalText))
	return b.String()
}

var markdownEscaper = strings.NewReplacer(
	"*", "\\*",
	"_", "\\_",
	"`", "\\`",
	"~", "\\~",
)

// escapeMarkdown keeps player text from styling itself.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
