package mail

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
)

// Attachment describes one attachment found in a raw message
type Attachment struct {
	FileName    string
	ContentType string
	Size        int64
}

// Attachments parses raw and returns its attachments and inline parts
func Attachments(raw []byte) ([]Attachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	var out []Attachment
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, p := range parts {
			out = append(out, Attachment{
				FileName:    p.FileName,
				ContentType: p.ContentType,
				Size:        int64(len(p.Content)),
			})
		}
	}
	return out, nil
}

// CheckAttachmentLimit fails with ErrAttachmentTooLarge when any attachment
// of raw is larger than limit. A non-positive limit disables the check.
func CheckAttachmentLimit(raw []byte, limit int64) error {
	if limit <= 0 {
		return nil
	}
	atts, err := Attachments(raw)
	if err != nil {
		return Permanent("inspect attachments", err)
	}
	for _, a := range atts {
		if a.Size > limit {
			return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrAttachmentTooLarge, a.FileName, a.Size, limit)
		}
	}
	return nil
}

// StripAttachments removes every part with an attachment disposition and
// re-encodes the message. Headers of the remaining parts are kept.
func StripAttachments(raw []byte) ([]byte, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if len(env.Attachments) == 0 {
		return raw, nil
	}

	pruneAttachments(env.Root)

	var buf bytes.Buffer
	if err := env.Root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func pruneAttachments(p *enmime.Part) {
	if p == nil {
		return
	}
	var prev *enmime.Part
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		if isAttachment(c) {
			if prev == nil {
				p.FirstChild = c.NextSibling
			} else {
				prev.NextSibling = c.NextSibling
			}
			continue
		}
		pruneAttachments(c)
		prev = c
	}
}

func isAttachment(p *enmime.Part) bool {
	return strings.EqualFold(p.Disposition, "attachment")
}
