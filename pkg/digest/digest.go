package digest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// UnitLen is the width of one digest unit: role prefix plus 8 hex chars.
const UnitLen = 9

const (
	prefixUser  = '-'
	prefixOther = '_'
)

// Message is one entry of the conversation history. Content is either a
// plain string or an array of content parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a structured message body. Unknown part
// types keep their raw form and serialize as compact JSON.
type ContentPart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`

	raw json.RawMessage
}

// ImageSource identifies inline image data inside an image part.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (p *ContentPart) UnmarshalJSON(b []byte) error {
	type alias ContentPart
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = ContentPart(a)
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Compute renders the conversation digest: one fixed-width unit per
// non-system message, in order.
func Compute(messages []Message) string {
	var b strings.Builder
	i := 0
	for _, m := range messages {
		if strings.EqualFold(m.Role, "system") {
			continue
		}
		hashable := hashableContent(m.Content)
		if hashable == "" {
			hashable = fmt.Sprintf("__empty_message_%d__", i)
		}
		prefix := byte(prefixOther)
		if strings.EqualFold(m.Role, "user") {
			prefix = prefixUser
		}
		b.WriteByte(prefix)
		fmt.Fprintf(&b, "%08x", uint32(xxhash.Sum64String(hashable)))
		i++
	}
	return b.String()
}

// hashableContent serializes a message body deterministically. String
// bodies hash as-is; structured bodies hash part by part in order.
func hashableContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(compactJSON(raw))
	}
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		segs = append(segs, serializePart(p))
	}
	return strings.Join(segs, "|")
}

func serializePart(p ContentPart) string {
	switch p.Type {
	case "text":
		return "text:" + p.Text
	case "tool_use":
		return "tool_use:" + p.ID + ":" + p.Name + ":" + string(compactJSON(p.Input))
	case "tool_result":
		return "tool_result:" + p.ToolUseID + ":" + string(compactJSON(p.Content))
	case "image":
		if p.Source == nil {
			return "image:"
		}
		return "image:" + p.Source.Type + ":" + p.Source.MediaType + ":" + p.Source.Data
	default:
		return string(compactJSON(p.raw))
	}
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf strings.Builder
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return raw
	}
	return json.RawMessage(strings.TrimRight(buf.String(), "\n"))
}

// UnitCount reports the number of complete units in a digest.
func UnitCount(d string) int { return len(d) / UnitLen }

// CommonUnits compares two digests unit by unit and returns the length of
// the shared prefix.
func CommonUnits(a, b string) int {
	n := UnitCount(a)
	if m := UnitCount(b); m < n {
		n = m
	}
	for i := 0; i < n; i++ {
		lo, hi := i*UnitLen, (i+1)*UnitLen
		if a[lo:hi] != b[lo:hi] {
			return i
		}
	}
	return n
}

func unitPrefix(d string, unit int) byte { return d[unit*UnitLen] }
