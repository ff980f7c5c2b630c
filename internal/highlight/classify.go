package highlight

import "strings"

// Kind は動画リンクの種類。
type Kind string

const (
	KindYouTube Kind = "youtube"
	KindTikTok  Kind = "tiktok"
	KindVimeo   Kind = "vimeo"
	KindMP4     Kind = "mp4"
	KindGeneric Kind = "generic"
)

// Embed は表示用に分類された動画リンク。
// EmbedURLはプレーヤーに渡すURLで、genericの場合は元のURLと同じ。
type Embed struct {
	Kind      Kind   `json:"kind"`
	VideoID   string `json:"videoId,omitempty"`
	EmbedURL  string `json:"embedUrl"`
	SourceURL string `json:"sourceUrl"`
}

// Classify はURLを5種類のいずれか1つに分類する。
// 判定は上から順に youtube, tiktok, vimeo, mp4, generic。
func Classify(rawURL string) Embed {
	e := Embed{Kind: KindGeneric, EmbedURL: rawURL, SourceURL: rawURL}

	switch {
	case strings.Contains(rawURL, "youtube.com") || strings.Contains(rawURL, "youtu.be"):
		e.Kind = KindYouTube
		e.VideoID = youtubeID(rawURL)
		e.EmbedURL = "https://www.youtube.com/embed/" + e.VideoID
	case strings.Contains(rawURL, "tiktok.com"):
		e.Kind = KindTikTok
	case strings.Contains(rawURL, "vimeo.com"):
		e.Kind = KindVimeo
		e.VideoID = lastSegment(rawURL)
		e.EmbedURL = "https://player.vimeo.com/video/" + e.VideoID
	case strings.HasSuffix(rawURL, ".mp4"):
		e.Kind = KindMP4
	}
	return e
}

// youtubeID は最初の "v=" から "&" までを取り出す。取れない場合は最後のパス要素。
func youtubeID(rawURL string) string {
	if _, after, ok := strings.Cut(rawURL, "v="); ok {
		id, _, _ := strings.Cut(after, "&")
		if id != "" {
			return id
		}
	}
	return lastSegment(rawURL)
}

func lastSegment(rawURL string) string {
	return rawURL[strings.LastIndex(rawURL, "/")+1:]
}
