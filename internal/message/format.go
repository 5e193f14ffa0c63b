package message

import (
	"fmt"
	"strings"
)

// IRC control codes used in edit/delete notices.
const (
	ircBold          = "\x02"
	ircStrikethrough = "\x1e"
	ircColor         = "\x03"
	ircColorBlue     = "12"
	ircColorRed      = "04"
)

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func boldChar(platform string) string {
	switch platform {
	case PlatformTelegram, PlatformDiscord:
		return "**"
	case PlatformIRC:
		return ircBold
	}
	return ""
}

// RelayText renders the text actually sent to a target platform:
//
//	[<prefix> - <bold>nick</bold>] <reply?><fwd?><files?><text>
//
// System messages carry no prefix and are emitted as inline code on
// platforms that support it. The reply quote is rendered for IRC only,
// since other platforms have a native reply feature; likewise only IRC
// needs to see attachment URLs.
func RelayText(m *Message, targetPlatform string) string {
	if m.System {
		code := "`"
		if targetPlatform == PlatformIRC {
			code = ""
		}
		return code + m.Text + code
	}

	bold := boldChar(targetPlatform)

	fileStr := ""
	if targetPlatform == PlatformIRC {
		var b strings.Builder
		for _, f := range m.Files {
			b.WriteString(f.Describe(true))
		}
		fileStr = b.String()
	} else if len(m.Files) > 1 {
		// Album, just show general info
		fileStr = fmt.Sprintf("<album: %d files>", len(m.Files))
	} else if len(m.Files) == 1 {
		fileStr = m.Files[0].Describe(false)
	}
	if fileStr != "" {
		fileStr += " "
	}

	fwdStr := ""
	if m.FwdFrom != "" {
		fwdStr = fmt.Sprintf("Fwd %s: ", m.FwdFrom)
	}

	replyStr := ""
	if m.ReplyTo != nil && targetPlatform == PlatformIRC {
		replyText := m.ReplyTo.Text
		if replyText == "" {
			replyText = "<media>"
		}
		replyNick := m.ReplyTo.FromNick
		if replyNick == "" {
			replyNick = "Anonymous"
		}
		replyStr = fmt.Sprintf("Re %s 「%s」: ", replyNick, Truncate(replyText, 50))
	}

	return fmt.Sprintf("[%s - %s%s%s] %s%s%s%s",
		m.PlatformPrefix, bold, m.FromNick, bold, replyStr, fwdStr, fileStr, m.Text)
}

// EditedNotice renders the IRC-only notice emitted when a bridged message
// was edited: the old text struck through, then the new text.
func EditedNotice(old *Record, updated *Message) string {
	oldText := old.Text
	if oldText == "" {
		oldText = "An unknown message"
	}
	return fmt.Sprintf("%s%s%s %s%swas edited to:%s%s %s",
		ircStrikethrough, Truncate(oldText, 50), ircStrikethrough,
		ircBold, ircColor+ircColorBlue, ircColor, ircBold, updated.Text)
}

// DeletedNotice renders the IRC-only notice emitted when bridged messages
// were deleted. Only the first message's text is shown; bulk deletions are
// summarized by a count.
func DeletedNotice(old []*Record) string {
	if len(old) == 0 {
		return ""
	}
	oldText := old[0].Text
	if oldText == "" {
		oldText = "An unknown message"
	}
	verb := "was"
	moreText := ""
	if len(old) > 1 {
		moreText = fmt.Sprintf(" and %d more messages", len(old)-1)
		verb = "were"
	}
	return fmt.Sprintf("%s%s%s%s %s%s%s deleted%s%s",
		ircStrikethrough, Truncate(oldText, 200), ircStrikethrough, moreText,
		ircBold, ircColor+ircColorRed, verb, ircColor, ircBold)
}
