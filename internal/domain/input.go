package domain

// Delivery controls how a new input interacts with an in-flight stream.
type Delivery string

const (
	// DeliveryAuto picks steer or followUp based on the source of the
	// currently streaming input.
	DeliveryAuto Delivery = "auto"
	// DeliveryFollowUp queues behind the current stream.
	DeliveryFollowUp Delivery = "followUp"
	// DeliverySteer cancels the current stream and jumps the queue.
	DeliverySteer Delivery = "steer"
)

// AttachmentKind is the payload shape of an attachment.
type AttachmentKind string

const (
	AttachmentImage  AttachmentKind = "image"
	AttachmentText   AttachmentKind = "text"
	AttachmentBinary AttachmentKind = "binary"
)

// Attachment is one file carried with an input. Images and binary blobs
// carry base64 data; text blobs carry UTF-8 text.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	MimeType string         `json:"mimeType"`
	Data     string         `json:"data,omitempty"`
	Text     string         `json:"text,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// Channel identifies the external surface a message arrived on.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
)

// SourceContext is the normalized provenance of an inbound message.
type SourceContext struct {
	Channel     Channel `json:"channel"`
	ChannelID   string  `json:"channelId,omitempty"`
	ChannelType string  `json:"channelType,omitempty"`
	UserID      string  `json:"userId,omitempty"`
	ThreadTS    string  `json:"threadTs,omitempty"`
}

// SameOrigin reports whether two source contexts identify the same
// conversation origin. Used to demote auto delivery to steer when the
// sender is the one the agent is already streaming for. nil contexts
// (internal inputs) only match each other.
func (sc *SourceContext) SameOrigin(other *SourceContext) bool {
	if sc == nil || other == nil {
		return sc == other
	}
	return sc.Channel == other.Channel &&
		sc.ChannelID == other.ChannelID &&
		sc.UserID == other.UserID
}

// Input is one message bound for an agent. It enters the agent's queue
// exactly once and leaves it exactly once: delivered, or discarded on
// reset or agent deletion.
type Input struct {
	AgentID       string         `json:"agentId"`
	Text          string         `json:"text"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`
	Delivery      Delivery       `json:"delivery,omitempty"`
}

// Empty reports whether the input carries neither text nor attachments.
// Empty inputs are dropped silently at the wire boundary.
func (in *Input) Empty() bool {
	return in.Text == "" && len(in.Attachments) == 0
}
