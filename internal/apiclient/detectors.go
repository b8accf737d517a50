package apiclient

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/datasync/internal/config"
)

// GoogleRateLimitDetector はGoogle APIのrateLimitExceeded / userRateLimitExceededを検出する。
// Googleはクォータ超過を403で返すことがある。
func GoogleRateLimitDetector(statusCode int, _ http.Header, body []byte) bool {
	if statusCode != http.StatusForbidden && statusCode != http.StatusTooManyRequests {
		return false
	}
	var payload struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	if payload.Error.Status == "RESOURCE_EXHAUSTED" {
		return true
	}
	for _, e := range payload.Error.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// SlackRateLimitDetector はSlack Web APIの {"ok":false,"error":"ratelimited"} を検出する。
func SlackRateLimitDetector(_ int, _ http.Header, body []byte) bool {
	var payload struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return !payload.OK && (payload.Error == "ratelimited" || payload.Error == "rate_limited")
}

// GraphRateLimitDetector はMicrosoft Graphのスロットリング応答を検出する。
func GraphRateLimitDetector(statusCode int, _ http.Header, body []byte) bool {
	if statusCode < 400 {
		return false
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	code := strings.ToLower(payload.Error.Code)
	return code == "activitylimitreached" || code == "toomanyrequests"
}

// DetectorFor はプロバイダーに対応するRateLimitDetectorを返す。
// 専用の判定がないプロバイダーはnil（429とヘッダーのみで判定する）。
func DetectorFor(provider string) RateLimitDetector {
	switch provider {
	case config.ProviderGoogle:
		return GoogleRateLimitDetector
	case config.ProviderSlack:
		return SlackRateLimitDetector
	case config.ProviderMicrosoft:
		return GraphRateLimitDetector
	default:
		return nil
	}
}
