package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/fedisleuth/internal/download"
	"github.com/hitoshi/fedisleuth/internal/model"
)

// recentBatchLimit はバッチ一覧が返すアーカイブレコード数の上限。
const recentBatchLimit = 50

// DownloadManagerInterface はダウンロードハンドラーが必要とするマネージャのインターフェース。
type DownloadManagerInterface interface {
	// Start はダウンロードバッチを開始する。タスクはバックグラウンドで実行される。
	Start(ctx context.Context, req download.Request) (*download.Batch, error)
	// Snapshot はバッチの現在の観測ビューを返す。
	Snapshot(batchID string) (*download.Snapshot, error)
	// Cancel はバッチを中断する。完了済みバッチでは何もしない。
	Cancel(batchID string) error
	// Subscribe はバッチの進捗イベント購読を開始する。
	Subscribe(batchID string) (<-chan download.Event, func(), error)
}

// DownloadRecordLister は完了済みバッチのアーカイブ参照インターフェース。
type DownloadRecordLister interface {
	// ListBatches は開始日時の新しい順にバッチレコードを取得する。
	ListBatches(ctx context.Context, limit int) ([]model.BatchRecord, error)
}

// DownloadHandler はダウンロード管理のHTTPハンドラー。
type DownloadHandler struct {
	manager  DownloadManagerInterface
	records  DownloadRecordLister
	upgrader websocket.Upgrader
}

// NewDownloadHandler はDownloadHandlerを生成する。
// allowedOriginは進捗WebSocketのOriginチェックに使用する。
func NewDownloadHandler(manager DownloadManagerInterface, records DownloadRecordLister, allowedOrigin string) *DownloadHandler {
	return &DownloadHandler{
		manager: manager,
		records: records,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// downloadItemRequest は1メディアのダウンロード指定。
type downloadItemRequest struct {
	Platform         string `json:"platform"`
	PostID           string `json:"post_id"`
	SourceURL        string `json:"source_url"`
	MimeKind         string `json:"mime_kind"`
	OriginalFilename string `json:"original_filename"`
}

// startDownloadRequest はダウンロードバッチ開始リクエストのボディ。
type startDownloadRequest struct {
	Kind  string                `json:"kind"`
	Term  string                `json:"term"`
	Items []downloadItemRequest `json:"items"`
}

// startDownloadResponse はバッチ開始の受理レスポンス。
type startDownloadResponse struct {
	BatchID string `json:"batch_id"`
	Total   int    `json:"total"`
}

// batchRecordResponse は完了済みバッチのアーカイブレコードレスポンス。
type batchRecordResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Term       string    `json:"term"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Canceled   bool      `json:"canceled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// batchListResponse はバッチ一覧のレスポンス。
type batchListResponse struct {
	Batches []batchRecordResponse `json:"batches"`
}

// StartBatch はダウンロードバッチを開始する。
// レスポンスは受理のみを示し、進捗はイベント購読またはスナップショットで追跡する。
// POST /api/downloads
func (h *DownloadHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	kind := model.QueryKind(req.Kind)
	switch kind {
	case model.QueryKindUser, model.QueryKindHashtag:
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidQueryKindError(req.Kind))
		return
	}

	items := make([]download.Item, 0, len(req.Items))
	for _, item := range req.Items {
		platform, err := model.ParsePlatform(item.Platform)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnknownPlatformError(item.Platform))
			return
		}
		items = append(items, download.Item{
			Platform: platform,
			PostID:   item.PostID,
			Media: model.MediaItem{
				SourceURL:        item.SourceURL,
				MimeKind:         model.MimeKind(item.MimeKind),
				OriginalFilename: item.OriginalFilename,
			},
		})
	}

	batch, err := h.manager.Start(r.Context(), download.Request{
		Kind:  kind,
		Term:  req.Term,
		Items: items,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(startDownloadResponse{
		BatchID: batch.ID,
		Total:   len(items),
	})
}

// ListBatches は完了済みバッチのアーカイブを新しい順に返す。
// GET /api/downloads
func (h *DownloadHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	records, err := h.records.ListBatches(r.Context(), recentBatchLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	batches := make([]batchRecordResponse, 0, len(records))
	for _, record := range records {
		batches = append(batches, toBatchRecordResponse(record))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batchListResponse{Batches: batches})
}

// GetBatch は実行中または完了済みバッチの観測ビューを返す。
// GET /api/downloads/{batchID}
func (h *DownloadHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	snapshot, err := h.manager.Snapshot(batchID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// CancelBatch はバッチを中断する。
// 実行中のタスクはコンテキスト経由で中断され、部分ファイルは削除される。
// POST /api/downloads/{batchID}/cancel
func (h *DownloadHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	if err := h.manager.Cancel(batchID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Events はバッチの進捗イベントをWebSocketで配信する。
// タスク遷移ごとに1イベントを送り、最後にbatch_doneを送って正常クローズする。
// GET /api/downloads/{batchID}/events
func (h *DownloadHandler) Events(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	events, unsubscribe, err := h.manager.Subscribe(batchID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeは失敗時に自身でエラーレスポンスを書き込む
		slog.Warn("websocket upgrade failed",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	// クライアント切断を検知する読み取りループ
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// toBatchRecordResponse はmodel.BatchRecordからAPIレスポンスに変換する。
func toBatchRecordResponse(record model.BatchRecord) batchRecordResponse {
	return batchRecordResponse{
		ID:         record.ID,
		Kind:       string(record.Kind),
		Term:       record.Term,
		Total:      record.Total,
		Completed:  record.Completed,
		Failed:     record.Failed,
		Canceled:   record.Canceled,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
	}
}
