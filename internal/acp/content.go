package acp

import "encoding/json"

// Content block type discriminators.
const (
	ContentTypeText         = "text"
	ContentTypeImage        = "image"
	ContentTypeAudio        = "audio"
	ContentTypeResource     = "resource"
	ContentTypeResourceLink = "resource_link"
)

// ContentBlock is a tagged-union prompt content block. Known variants expose
// typed fields; anything else survives round-tripping via the raw payload so
// new block kinds pass through the proxy unmodified.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, audio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource
	Resource json.RawMessage `json:"resource,omitempty"`

	// resource_link
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`

	raw json.RawMessage
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ImageBlock builds an image content block with base64 data.
func ImageBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: ContentTypeImage, MimeType: mimeType, Data: data}
}

// UnmarshalJSON keeps the original bytes alongside the typed fields.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ContentBlock(p)
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the original bytes for blocks that arrived over the
// wire, so unknown fields are not dropped. Locally constructed blocks
// marshal from the typed fields.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	type plain ContentBlock
	return json.Marshal(plain(c))
}

// IsKnown reports whether the block type is one the proxy understands.
func (c *ContentBlock) IsKnown() bool {
	switch c.Type {
	case ContentTypeText, ContentTypeImage, ContentTypeAudio,
		ContentTypeResource, ContentTypeResourceLink:
		return true
	}
	return false
}
