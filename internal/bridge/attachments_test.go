package bridge

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ashureev/middleman/internal/domain"
)

func TestClassifyMime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want domain.AttachmentKind
	}{
		{"image/png", domain.AttachmentImage},
		{"image/jpeg", domain.AttachmentImage},
		{"text/plain", domain.AttachmentText},
		{"text/markdown", domain.AttachmentText},
		{"application/json", domain.AttachmentText},
		{"application/ld+json", domain.AttachmentText},
		{"application/pdf", domain.AttachmentBinary},
		{"application/octet-stream", domain.AttachmentBinary},
		{"", domain.AttachmentBinary},
	}
	for _, tt := range tests {
		if got := classifyMime(tt.mime); got != tt.want {
			t.Errorf("classifyMime(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}

func TestBuildAttachment(t *testing.T) {
	t.Parallel()

	allowAll := fileLimits{allowImages: true, allowText: true, allowBinary: true, maxFileBytes: 1024}

	t.Run("image encodes base64", func(t *testing.T) {
		att, err := buildAttachment(allowAll, "pic.png", "image/png", []byte{0x89, 0x50})
		if err != nil {
			t.Fatalf("buildAttachment failed: %v", err)
		}
		if att.Kind != domain.AttachmentImage {
			t.Errorf("kind = %v", att.Kind)
		}
		if att.Data != base64.StdEncoding.EncodeToString([]byte{0x89, 0x50}) {
			t.Errorf("data = %q", att.Data)
		}
		if att.Text != "" {
			t.Error("image attachment must not carry text")
		}
	})

	t.Run("text stays utf8", func(t *testing.T) {
		att, err := buildAttachment(allowAll, "notes.txt", "text/plain", []byte("hello"))
		if err != nil {
			t.Fatalf("buildAttachment failed: %v", err)
		}
		if att.Kind != domain.AttachmentText || att.Text != "hello" || att.Data != "" {
			t.Errorf("att = %+v", att)
		}
	})

	t.Run("fake text falls back to binary", func(t *testing.T) {
		att, err := buildAttachment(allowAll, "weird.txt", "text/plain", []byte{0xff, 0xfe, 0x00})
		if err != nil {
			t.Fatalf("buildAttachment failed: %v", err)
		}
		if att.Kind != domain.AttachmentBinary {
			t.Errorf("kind = %v, want binary fallback", att.Kind)
		}
	})

	t.Run("size limit", func(t *testing.T) {
		_, err := buildAttachment(allowAll, "big.bin", "application/octet-stream", make([]byte, 2048))
		if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
			t.Errorf("err = %v, want size rejection", err)
		}
	})

	t.Run("kind not allowed", func(t *testing.T) {
		tests := []struct {
			limits fileLimits
			mime   string
		}{
			{fileLimits{allowText: true, allowBinary: true}, "image/png"},
			{fileLimits{allowImages: true, allowBinary: true}, "text/plain"},
			{fileLimits{allowImages: true, allowText: true}, "application/zip"},
		}
		for _, tt := range tests {
			if _, err := buildAttachment(tt.limits, "f", tt.mime, []byte("x")); err == nil {
				t.Errorf("buildAttachment(%q) succeeded, want rejection", tt.mime)
			}
		}
	})
}

func TestNormalizeWeb(t *testing.T) {
	t.Parallel()

	t.Run("text message", func(t *testing.T) {
		in, ok := NormalizeWeb("a1", "hi", nil, "")
		if !ok {
			t.Fatal("NormalizeWeb rejected a valid message")
		}
		if in.AgentID != "a1" || in.Delivery != domain.DeliveryAuto {
			t.Errorf("in = %+v", in)
		}
		if in.SourceContext == nil || in.SourceContext.Channel != domain.ChannelWeb {
			t.Errorf("sourceContext = %+v", in.SourceContext)
		}
	})

	t.Run("empty text with attachment is valid", func(t *testing.T) {
		atts := []domain.Attachment{{Kind: domain.AttachmentImage, MimeType: "image/png", Data: "aGk="}}
		if _, ok := NormalizeWeb("a1", "", atts, domain.DeliveryFollowUp); !ok {
			t.Error("empty text with attachments must be accepted")
		}
	})

	t.Run("fully empty message dropped", func(t *testing.T) {
		if _, ok := NormalizeWeb("a1", "", nil, ""); ok {
			t.Error("empty message must be dropped silently")
		}
	})
}
