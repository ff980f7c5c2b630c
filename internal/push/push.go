// Package push はユーザーへのプッシュ通知の配送を提供する。
package push

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/uscout/internal/model"
)

// DefaultTitle はタイトルが空の通知に使うタイトル。
const DefaultTitle = "U.Scout"

// Payload は通知の内容。
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Normalize はタイトルが空の場合にDefaultTitleを補う。
func (p Payload) Normalize() Payload {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = DefaultTitle
	}
	return p
}

// Notifier はユーザーに通知を届ける。
// 配送は最善努力で、届かなかった場合もエラーにはしない実装がある。
type Notifier interface {
	Notify(ctx context.Context, uid string, p Payload) error
}

// LogNotifier は通知をログに出すだけのNotifier。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify は通知内容をログに記録する。
func (n *LogNotifier) Notify(_ context.Context, uid string, p Payload) error {
	p = p.Normalize()
	n.logger.Info("push notification",
		slog.String("user_id", uid),
		slog.String("title", p.Title),
		slog.String("body", p.Body),
	)
	return nil
}

// Multi は複数のNotifierに順に配送する。最初のエラーを返す。
type Multi []Notifier

// Notify はすべてのNotifierに配送する。
func (m Multi) Notify(ctx context.Context, uid string, p Payload) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, uid, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FollowAlerts はフォローされたことをNotifierで知らせる。
type FollowAlerts struct {
	Notifier Notifier
	Logger   *slog.Logger
}

// NotifyFollowed はtargetにfollowerからフォローされたことを通知する。
func (f FollowAlerts) NotifyFollowed(ctx context.Context, target string, follower *model.UserProfile) {
	p := Payload{
		Body: follower.DisplayName() + " があなたをフォローしました",
		Data: map[string]string{"type": "follow"},
	}
	if follower != nil {
		p.Data["userId"] = follower.ID
	}
	if err := f.Notifier.Notify(ctx, target, p); err != nil && f.Logger != nil {
		f.Logger.Warn("failed to deliver follow notification",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}
