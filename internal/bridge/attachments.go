package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/middleman/internal/domain"
)

// fileLimits is the per-profile attachment policy shared by the Slack
// and Telegram transports.
type fileLimits struct {
	allowImages  bool
	allowText    bool
	allowBinary  bool
	maxFileBytes int64
}

// classifyMime buckets a mime type into the attachment kinds.
func classifyMime(mimeType string) domain.AttachmentKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		strings.HasSuffix(mt, "+json"),
		strings.HasSuffix(mt, "+xml"):
		return domain.AttachmentText
	default:
		return domain.AttachmentBinary
	}
}

// buildAttachment converts downloaded bytes into an attachment,
// enforcing the profile's kind and size limits. The error message is
// what ends up in the agent's conversation log on rejection.
func buildAttachment(limits fileLimits, name, mimeType string, data []byte) (domain.Attachment, error) {
	if limits.maxFileBytes > 0 && int64(len(data)) > limits.maxFileBytes {
		return domain.Attachment{}, fmt.Errorf(
			"attachment %q rejected: %d bytes exceeds limit %d", name, len(data), limits.maxFileBytes)
	}

	kind := classifyMime(mimeType)
	switch kind {
	case domain.AttachmentImage:
		if !limits.allowImages {
			return domain.Attachment{}, fmt.Errorf("attachment %q rejected: images not allowed", name)
		}
		return domain.Attachment{
			Kind:     kind,
			MimeType: mimeType,
			Name:     name,
			Data:     base64.StdEncoding.EncodeToString(data),
		}, nil

	case domain.AttachmentText:
		if !limits.allowText {
			return domain.Attachment{}, fmt.Errorf("attachment %q rejected: text files not allowed", name)
		}
		if !utf8.Valid(data) {
			// Claimed text but is not UTF-8; treat as binary.
			if !limits.allowBinary {
				return domain.Attachment{}, fmt.Errorf("attachment %q rejected: binary files not allowed", name)
			}
			return domain.Attachment{
				Kind:     domain.AttachmentBinary,
				MimeType: mimeType,
				Name:     name,
				Data:     base64.StdEncoding.EncodeToString(data),
			}, nil
		}
		return domain.Attachment{
			Kind:     kind,
			MimeType: mimeType,
			Name:     name,
			Text:     string(data),
		}, nil

	default:
		if !limits.allowBinary {
			return domain.Attachment{}, fmt.Errorf("attachment %q rejected: binary files not allowed", name)
		}
		return domain.Attachment{
			Kind:     kind,
			MimeType: mimeType,
			Name:     name,
			Data:     base64.StdEncoding.EncodeToString(data),
		}, nil
	}
}
