package twitch

import "strings"

// ircMessage is one parsed chat line. Tags are kept raw.
type ircMessage struct {
	Tags    string
	Prefix  string
	Command string
	Params  []string
}

// Trailing returns the last parameter, usually the message text.
func (m ircMessage) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

func parseIRC(line string) (ircMessage, bool) {
	line = strings.TrimRight(line, "\r\n")
	var m ircMessage
	if line == "" {
		return m, false
	}
	if line[0] == '@' {
		tags, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return m, false
		}
		m.Tags, line = tags, rest
	}
	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return m, false
		}
		m.Prefix, line = prefix, rest
	}
	for line != "" {
		if line[0] == ':' {
			m.Params = append(m.Params, line[1:])
			break
		}
		var p string
		p, line, _ = strings.Cut(line, " ")
		if m.Command == "" {
			m.Command = strings.ToUpper(p)
		} else if p != "" {
			m.Params = append(m.Params, p)
		}
	}
	return m, m.Command != ""
}

// splitLines splits a websocket frame that may carry several chat lines.
func splitLines(frame []byte) []string {
	return strings.FieldsFunc(string(frame), func(r rune) bool { return r == '\r' || r == '\n' })
}

// joinLines packs channels into JOIN commands that stay under maxLen bytes.
func joinLines(handles []string, maxLen int) []string {
	var (
		out []string
		b   strings.Builder
	)
	for _, h := range handles {
		ch := "#" + strings.TrimPrefix(strings.ToLower(h), "#")
		if b.Len() > 0 && b.Len()+1+len(ch) > maxLen {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() == 0 {
			b.WriteString("JOIN ")
		} else {
			b.WriteByte(',')
		}
		b.WriteString(ch)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
