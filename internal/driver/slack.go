package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/datasync/internal/apiclient"
	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/security"
)

const defaultSlackBaseURL = "https://slack.com/api"

// 再認可が必要なSlackのエラーコード
var slackAuthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
}

// SlackOptions はSlackドライバーの設定。
type SlackOptions struct {
	BaseURL string
	Text    security.TextSanitizerService
}

// Slack はチャンネルとDMのドライバー。
type Slack struct {
	base string
	text security.TextSanitizerService
}

// NewSlack はSlackドライバーを生成する。
func NewSlack(opts SlackOptions) *Slack {
	s := &Slack{base: strings.TrimRight(opts.BaseURL, "/"), text: opts.Text}
	if s.base == "" {
		s.base = defaultSlackBaseURL
	}
	if s.text == nil {
		s.text = security.NewTextSanitizer()
	}
	return s
}

// Provider はプロバイダー名を返す。
func (s *Slack) Provider() string { return config.ProviderSlack }

// Layers はチャンネルとDMのレイヤーを返す。
func (s *Slack) Layers() []Layer {
	return []Layer{
		{Name: config.LayerSlackChannels, Provider: config.ProviderSlack, Folder: "channels", TeamScoped: true, DisplayName: "Slack channels", Description: "参加しているパブリック/プライベートチャンネル"},
		{Name: config.LayerSlackDMs, Provider: config.ProviderSlack, Folder: "dms", TeamScoped: true, DisplayName: "Slack DMs", Description: "ダイレクトメッセージとグループDM"},
	}
}

type slackStatus struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (st *slackStatus) status() *slackStatus { return st }

type slackEnvelope interface {
	status() *slackStatus
}

type slackChannel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsIM   bool   `json:"is_im"`
	IsMpIM bool   `json:"is_mpim"`
	User   string `json:"user"`
}

type slackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	Timestamp          int64  `json:"timestamp"`
	URLPrivateDownload string `json:"url_private_download"`
}

type slackMessage struct {
	TS       string      `json:"ts"`
	User     string      `json:"user"`
	Username string      `json:"username"`
	Text     string      `json:"text"`
	ThreadTS string      `json:"thread_ts"`
	Subtype  string      `json:"subtype"`
	Files    []slackFile `json:"files"`
}

// transcriptMessage は日次トランスクリプトの1メッセージ。
type transcriptMessage struct {
	TS       string   `json:"ts"`
	Time     string   `json:"time"`
	User     string   `json:"user"`
	Text     string   `json:"text"`
	ThreadTS string   `json:"thread_ts,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// transcript はチャンネルの1日分(UTC)のメッセージ。
type transcript struct {
	Channel   string              `json:"channel"`
	ChannelID string              `json:"channel_id"`
	Date      string              `json:"date"`
	Messages  []transcriptMessage `json:"messages"`
}

// get はSlack APIを呼び出し、ok=falseをエラーに変換する。
func (s *Slack) get(ctx context.Context, req Request, method string, q url.Values, out slackEnvelope) error {
	rawURL := s.base + "/" + method + "?" + q.Encode()
	if err := req.Client.GetJSON(ctx, rawURL, req.Credential.AccessToken, out); err != nil {
		return err
	}
	st := out.status()
	if st.OK {
		return nil
	}
	if slackAuthErrors[st.Error] {
		return &apiclient.StatusError{StatusCode: http.StatusUnauthorized, URL: s.base + "/" + method, Body: st.Error}
	}
	return fmt.Errorf("slack %s failed: %s", method, st.Error)
}

// ListItems はレイヤーに応じた会話を列挙し、日次トランスクリプトと添付ファイルを返す。
func (s *Slack) ListItems(ctx context.Context, req Request) (*Listing, error) {
	var types string
	switch req.Layer.Name {
	case config.LayerSlackChannels:
		types = "public_channel,private_channel"
	case config.LayerSlackDMs:
		types = "im,mpim"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer.Name)
	}

	users, err := s.userNames(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list slack users: %w", err)
	}
	channels, err := s.conversations(ctx, req, types)
	if err != nil {
		return nil, fmt.Errorf("failed to list slack conversations: %w", err)
	}

	ns := req.Namespace()
	return forEachContainer(ctx, req, channels,
		func(c slackChannel) string { return c.ID },
		func(ctx context.Context, c slackChannel) ([]RemoteItem, error) {
			msgs, err := s.history(ctx, req, c.ID)
			if err != nil {
				return nil, err
			}
			return s.channelItems(ns, channelName(c, users), c.ID, msgs, users)
		},
	)
}

func (s *Slack) userNames(ctx context.Context, req Request) (map[string]string, error) {
	names := map[string]string{}
	cursor := ""
	for {
		q := url.Values{"limit": {"200"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			slackStatus
			Members []struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Profile struct {
					DisplayName string `json:"display_name"`
					RealName    string `json:"real_name"`
				} `json:"profile"`
			} `json:"members"`
		}
		if err := s.get(ctx, req, "users.list", q, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Members {
			name := m.Profile.DisplayName
			if name == "" {
				name = m.Profile.RealName
			}
			if name == "" {
				name = m.Name
			}
			names[m.ID] = name
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return names, nil
		}
	}
}

func (s *Slack) conversations(ctx context.Context, req Request, types string) ([]slackChannel, error) {
	var all []slackChannel
	cursor := ""
	for {
		q := url.Values{"types": {types}, "limit": {"200"}, "exclude_archived": {"false"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			slackStatus
			Channels []slackChannel `json:"channels"`
		}
		if err := s.get(ctx, req, "conversations.list", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Channels...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

func (s *Slack) history(ctx context.Context, req Request, channelID string) ([]slackMessage, error) {
	var all []slackMessage
	cursor := ""
	for {
		q := url.Values{"channel": {channelID}, "limit": {"200"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			slackStatus
			Messages []slackMessage `json:"messages"`
			HasMore  bool           `json:"has_more"`
		}
		if err := s.get(ctx, req, "conversations.history", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		cursor = page.ResponseMetadata.NextCursor
		if !page.HasMore || cursor == "" {
			return all, nil
		}
	}
}

// channelName はパスに使う会話名を返す。DMは相手の表示名。
func channelName(c slackChannel, users map[string]string) string {
	if c.IsIM {
		if name, ok := users[c.User]; ok {
			return name
		}
		return c.User
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func (s *Slack) channelItems(ns, name, channelID string, msgs []slackMessage, users map[string]string) ([]RemoteItem, error) {
	sort.Slice(msgs, func(i, j int) bool { return tsTime(msgs[i].TS).Before(tsTime(msgs[j].TS)) })

	days := map[string]*transcript{}
	latest := map[string]time.Time{}
	var order []string
	var items []RemoteItem

	for _, m := range msgs {
		at := tsTime(m.TS)
		day := at.Format("2006-01-02")
		t, ok := days[day]
		if !ok {
			t = &transcript{Channel: name, ChannelID: channelID, Date: day}
			days[day] = t
			order = append(order, day)
		}

		user := users[m.User]
		if user == "" {
			user = m.User
		}
		if user == "" {
			user = m.Username
		}
		tm := transcriptMessage{
			TS:       m.TS,
			Time:     at.Format(time.RFC3339),
			User:     user,
			Text:     s.normalize(m.Text, users),
			ThreadTS: m.ThreadTS,
		}
		for _, f := range m.Files {
			tm.Files = append(tm.Files, f.Name)
			if f.URLPrivateDownload == "" {
				continue
			}
			items = append(items, RemoteItem{
				FullPath:   BuildPath(ns, name, "files", f.Name),
				Type:       ItemTypeAttachment,
				Name:       f.Name,
				RemoteID:   f.ID,
				Size:       f.Size,
				MimeType:   f.Mimetype,
				ModifiedAt: time.Unix(f.Timestamp, 0).UTC(),
				ContentURL: f.URLPrivateDownload,
			})
		}
		t.Messages = append(t.Messages, tm)
		latest[day] = at
	}

	for _, day := range order {
		body, err := json.MarshalIndent(days[day], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode transcript: %w", err)
		}
		fileName := day + ".json"
		items = append(items, RemoteItem{
			FullPath:   BuildPath(ns, name, fileName),
			Type:       ItemTypeMessage,
			Name:       fileName,
			RemoteID:   channelID + ":" + day,
			Size:       int64(len(body)),
			MimeType:   "application/json",
			ModifiedAt: latest[day],
			Content:    body,
		})
	}
	return items, nil
}

var (
	slackMention    = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)
	slackChannelRef = regexp.MustCompile(`<#[A-Z0-9]+\|([^>]*)>`)
	slackLink       = regexp.MustCompile(`<((?:https?|mailto):[^|>]+)(?:\|([^>]*))?>`)
)

// normalize はSlackのマークアップを展開してプレーンテキストにする。
func (s *Slack) normalize(text string, users map[string]string) string {
	text = slackMention.ReplaceAllStringFunc(text, func(m string) string {
		id := slackMention.FindStringSubmatch(m)[1]
		if name, ok := users[id]; ok {
			return "@" + name
		}
		return "@" + id
	})
	text = slackChannelRef.ReplaceAllString(text, "#$1")
	text = slackLink.ReplaceAllStringFunc(text, func(m string) string {
		sub := slackLink.FindStringSubmatch(m)
		if sub[2] != "" {
			return sub[2] + " (" + sub[1] + ")"
		}
		return sub[1]
	})
	return s.text.Text(text)
}

// tsTime はSlackのts ("1700000000.000100") を時刻に変換する。
func tsTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, nsec).UTC()
}

// FetchContent はトランスクリプトまたは添付ファイルを返す。
func (s *Slack) FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	if item.Content != nil {
		return inlineContent(item), nil
	}
	return streamBody(ctx, req.Client, item.ContentURL, req.Credential.AccessToken)
}
