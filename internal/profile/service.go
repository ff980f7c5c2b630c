// Package profile はプロフィールの同期、作成、更新、検索を提供する。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/session"
)

// Registration はサインアップフォームから受け取るプロフィール項目。
type Registration struct {
	Name      string
	Email     string
	Position  string
	Phone     string
	Instagram string
}

// Update はプロフィール編集フォームの内容。指定した全項目でマージする。
type Update struct {
	Name      string `json:"name"`
	Position  string `json:"position"`
	Club      string `json:"club"`
	Phone     string `json:"phone"`
	Instagram string `json:"instagram"`
	Twitter   string `json:"twitter"`
	TikTok    string `json:"tiktok"`
}

// Service はusersコレクションの同期と書き込みを行う。
// UIコンテキストごとに1つ生成する。
type Service struct {
	store    docstore.Store
	state    *session.State
	logger   *slog.Logger
	profiles *mirror.Collection[model.UserProfile]
}

// NewService はServiceを生成する。
func NewService(store docstore.Store, state *session.State, logger *slog.Logger, recorder mirror.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		state:    state,
		logger:   logger,
		profiles: mirror.NewCollection("profiles", store, docstore.NewQuery(model.CollectionUsers), DecodeProfile, logger, recorder),
	}
}

// DecodeProfile はusersドキュメントをUserProfileに変換する。
func DecodeProfile(doc docstore.Document) (model.UserProfile, error) {
	var p model.UserProfile
	if err := doc.Decode(&p); err != nil {
		return model.UserProfile{}, err
	}
	p.ID = doc.Key
	if p.Followers == nil {
		p.Followers = []string{}
	}
	if p.Following == nil {
		p.Following = []string{}
	}
	return p, nil
}

func profileFields(p *model.UserProfile) docstore.Fields {
	return docstore.Fields{
		"name":      p.Name,
		"position":  p.Position,
		"club":      p.Club,
		"email":     p.Email,
		"phone":     p.Phone,
		"instagram": p.Instagram,
		"twitter":   p.Twitter,
		"tiktok":    p.TikTok,
		"followers": []string{},
		"following": []string{},
		"createdAt": docstore.ServerTimestamp(),
	}
}

// EnsureProfile はプロフィールが存在しなければ初期値で作成し、現在の内容を返す。
// 既存のドキュメントは変更しない。
func (s *Service) EnsureProfile(ctx context.Context, uid string) (*model.UserProfile, error) {
	created, err := s.store.Create(ctx, model.CollectionUsers, uid, profileFields(model.NewDefaultProfile(uid)))
	if err != nil {
		return nil, fmt.Errorf("failed to create default profile: %w", err)
	}
	if created {
		s.logger.Info("default profile created", slog.String("user_id", uid))
	}
	return s.GetProfile(ctx, uid)
}

// CreateRegistered はサインアップ時の入力でプロフィールを作成する。
// 既に初期プロフィールが作られていた場合は入力項目で上書きする。
func (s *Service) CreateRegistered(ctx context.Context, uid string, reg Registration) error {
	p := model.NewDefaultProfile(uid)
	if name := strings.TrimSpace(reg.Name); name != "" {
		p.Name = name
	}
	if pos := strings.TrimSpace(reg.Position); pos != "" {
		p.Position = pos
	}
	p.Email = strings.TrimSpace(reg.Email)
	p.Phone = strings.TrimSpace(reg.Phone)
	p.Instagram = strings.TrimSpace(reg.Instagram)

	created, err := s.store.Create(ctx, model.CollectionUsers, uid, profileFields(p))
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	if created {
		return nil
	}

	if err := s.store.Update(ctx, model.CollectionUsers, uid, docstore.Fields{
		"name":      p.Name,
		"position":  p.Position,
		"email":     p.Email,
		"phone":     p.Phone,
		"instagram": p.Instagram,
	}); err != nil {
		return fmt.Errorf("failed to update registered profile: %w", err)
	}
	return nil
}

// GetProfile はプロフィールを1回だけ読み込む。存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) GetProfile(ctx context.Context, uid string) (*model.UserProfile, error) {
	doc, err := s.store.Get(ctx, model.CollectionUsers, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if doc == nil {
		return nil, model.NewUserNotFoundError()
	}
	p, err := DecodeProfile(*doc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SubscribeAllProfiles はusersコレクション全体の購読を開始する。
// スナップショットのたびに自分のプロフィールの投影を更新してからonChangeを呼ぶ。
func (s *Service) SubscribeAllProfiles(onChange func(mirror.Snapshot[model.UserProfile])) (stop func(), err error) {
	cancel := s.profiles.Mirror().Subscribe(func(snap mirror.Snapshot[model.UserProfile]) {
		if uid := s.state.UserID(); uid != "" {
			for i := range snap.Items {
				if snap.Items[i].ID == uid {
					me := snap.Items[i]
					s.state.UpdateProfile(&me)
					break
				}
			}
		}
		if onChange != nil {
			onChange(snap)
		}
	})

	if err := s.profiles.Start(); err != nil {
		cancel()
		return nil, err
	}
	return func() {
		s.profiles.Stop()
		cancel()
	}, nil
}

// Profiles は複製中の全プロフィールを返す。
func (s *Service) Profiles() mirror.Snapshot[model.UserProfile] {
	return s.profiles.Mirror().Current()
}

// Lookup は複製からプロフィールを探す。
func (s *Service) Lookup(uid string) (model.UserProfile, bool) {
	return s.profiles.Mirror().Find(func(p model.UserProfile) bool { return p.ID == uid })
}

// UpdateProfile は自分のプロフィールに編集内容をマージする。
func (s *Service) UpdateProfile(ctx context.Context, u Update) error {
	uid, err := s.state.RequireUser()
	if err != nil {
		return err
	}
	name := strings.TrimSpace(u.Name)
	if name == "" {
		return model.NewEmptyInputError("名前を入力してください。")
	}

	if err := s.store.Update(ctx, model.CollectionUsers, uid, docstore.Fields{
		"name":      name,
		"position":  strings.TrimSpace(u.Position),
		"club":      strings.TrimSpace(u.Club),
		"phone":     strings.TrimSpace(u.Phone),
		"instagram": strings.TrimSpace(u.Instagram),
		"twitter":   strings.TrimSpace(u.Twitter),
		"tiktok":    strings.TrimSpace(u.TikTok),
	}); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	s.logger.Info("profile updated", slog.String("user_id", uid))
	return nil
}

// Discover は自分以外のプロフィールから検索語を含むものを返す。
// 名前、ポジション、クラブ、各SNSアカウントを大文字小文字を区別せずに部分一致で照合する。
// 検索語が空の場合は自分以外の全員を返す。
func (s *Service) Discover(term string) []model.UserProfile {
	me := s.state.UserID()
	needle := strings.ToLower(strings.TrimSpace(term))

	var out []model.UserProfile
	for _, p := range s.Profiles().Items {
		if p.ID == me {
			continue
		}
		if needle == "" || matches(p, needle) {
			out = append(out, p)
		}
	}
	return out
}

func matches(p model.UserProfile, needle string) bool {
	for _, field := range []string{p.Name, p.Position, p.Club, p.Instagram, p.Twitter, p.TikTok} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// Followers は自分のフォロワーを複製から解決して返す。
func (s *Service) Followers() []model.UserProfile {
	me := s.state.Profile()
	if me == nil {
		return nil
	}
	return s.resolve(me.Followers)
}

// Following は自分がフォローしているユーザーを複製から解決して返す。
func (s *Service) Following() []model.UserProfile {
	me := s.state.Profile()
	if me == nil {
		return nil
	}
	return s.resolve(me.Following)
}

func (s *Service) resolve(ids []string) []model.UserProfile {
	out := make([]model.UserProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Lookup(id); ok {
			out = append(out, p)
		}
	}
	return out
}
