package agent

// Payload is the content of an outbound message.
type Payload interface {
	// Kind names the payload family on the wire: "text", "media" or "location".
	Kind() string
}

// Text is a plain text message body.
type Text string

func (Text) Kind() string { return "text" }

// Media is a resolved media object with base64-encoded content.
type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

func (*Media) Kind() string { return "media" }

// Location is a geographic pin.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

func (Location) Kind() string { return "location" }
