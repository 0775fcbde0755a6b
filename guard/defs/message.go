package defs

// MessageData is a transport-neutral message for the display.
type MessageData struct {
	Content string
	Embeds  []EmbedData
}

type EmbedData struct {
	Title       string
	Description string
	Fields      []EmbedField
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}
