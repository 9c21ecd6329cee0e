package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"duocall/internal/core/domain"
)

var (
	// UserIDRegex validates user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

	// CallIDRegex validates call ID format
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateUserID validates a user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 128 {
		return fmt.Errorf("user ID is too long (max 128 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateCallID validates a call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 100 {
		return fmt.Errorf("call ID is too long (max 100 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidatePeer checks the callee of an outgoing call.
func ValidatePeer(self, peer string) error {
	if err := ValidateUserID(peer); err != nil {
		return fmt.Errorf("peer_id: %w", err)
	}
	if self == peer {
		return fmt.Errorf("peer_id must differ from the local user")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateWebSocketURL is ValidateURL restricted to ws and wss.
func ValidateWebSocketURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	if !strings.HasPrefix(urlStr, "ws://") && !strings.HasPrefix(urlStr, "wss://") {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	return nil
}

// ValidateBitrate validates a bitrate in bits per second
func ValidateBitrate(bps int) error {
	if bps < 10_000 {
		return fmt.Errorf("bitrate must be at least 10 kbps")
	}
	if bps > 20_000_000 {
		return fmt.Errorf("bitrate is too high (max 20000 kbps)")
	}
	return nil
}

// ValidateQuality validates quality level
func ValidateQuality(quality string) error {
	if _, err := domain.ParseQualityLevel(quality); err != nil {
		return fmt.Errorf("invalid quality level (must be audio_only, low, medium, high, or hd)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
