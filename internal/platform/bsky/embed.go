package bsky

import (
	"encoding/json"
	"strings"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// embed $typeの識別子。
const (
	embedTypeImages          = "app.bsky.embed.images#view"
	embedTypeExternal        = "app.bsky.embed.external#view"
	embedTypeVideo           = "app.bsky.embed.video#view"
	embedTypeRecordWithMedia = "app.bsky.embed.recordWithMedia#view"
)

// embedView は$typeで分岐するembedの共用表現。
// 使われるフィールドは$typeごとに異なり、残りはゼロ値のまま。
type embedView struct {
	Type     string          `json:"$type"`
	Images   []embedImage    `json:"images"`
	External *embedExternal  `json:"external"`
	Playlist string          `json:"playlist"`
	Media    json.RawMessage `json:"media"`
}

type embedImage struct {
	Fullsize string `json:"fullsize"`
}

type embedExternal struct {
	URI string `json:"uri"`
}

// extractMedia はembedからダウンロード対象のメディアを抽出する。
// recordWithMediaは内側のmediaへ再帰する。未知の$typeは黙って無視する。
func extractMedia(raw json.RawMessage) []model.MediaItem {
	if len(raw) == 0 {
		return nil
	}

	var view embedView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil
	}

	switch view.Type {
	case embedTypeImages:
		var items []model.MediaItem
		for _, image := range view.Images {
			fullsize := strings.TrimSpace(image.Fullsize)
			if fullsize == "" {
				continue
			}
			items = append(items, model.MediaItem{
				SourceURL: fullsize,
				MimeKind:  model.MimeKindImage,
			})
		}
		return items

	case embedTypeExternal:
		if view.External == nil {
			return nil
		}
		uri := strings.TrimSpace(view.External.URI)
		if uri == "" {
			return nil
		}
		return []model.MediaItem{{
			SourceURL: uri,
			MimeKind:  model.MimeKindUnknown,
		}}

	case embedTypeVideo:
		playlist := strings.TrimSpace(view.Playlist)
		if playlist == "" {
			return nil
		}
		return []model.MediaItem{{
			SourceURL: playlist,
			MimeKind:  model.MimeKindVideo,
		}}

	case embedTypeRecordWithMedia:
		return extractMedia(view.Media)

	default:
		return nil
	}
}
