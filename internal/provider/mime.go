package provider

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
)

// buildMIME renders an RFC 5322 message with an HTML body. Thread
// headers are emitted when present so the receiving client groups the
// message under the prior one.
func buildMIME(msg *Message) string {
	var b strings.Builder

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if msg.Thread != nil {
		if msg.Thread.InReplyTo != "" {
			fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.Thread.InReplyTo)
		}
		refs := msg.Thread.References
		if refs == "" {
			refs = msg.Thread.InReplyTo
		}
		if refs != "" {
			fmt.Fprintf(&b, "References: %s\r\n", refs)
		}
	}
	if msg.UnsubscribeURL != "" {
		fmt.Fprintf(&b, "List-Unsubscribe: <%s>\r\n", msg.UnsubscribeURL)
		b.WriteString("List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(wrap76(base64.StdEncoding.EncodeToString([]byte(msg.BodyHTML))))
	b.WriteString("\r\n")

	return b.String()
}

// wrap76 folds base64 content at the 76-column MIME limit.
func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}
