package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Handler HTTP 與 WebSocket 請求處理器
type Handler struct {
	matchmaker *Matchmaker
	rooms      *RoomManager
	verifier   *TokenVerifier
	upgrader   websocket.Upgrader
	cfg        *Config
	logger     *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(cfg *Config, matchmaker *Matchmaker, rooms *RoomManager, verifier *TokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{
		matchmaker: matchmaker,
		rooms:      rooms,
		verifier:   verifier,
		upgrader:   newUpgrader(),
		cfg:        cfg,
		logger:     logger.With("component", "http"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	// 中間件鏈
	r.Use(h.recoverer, h.loggerMiddleware)

	// 公開路由
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/protocol", h.protocol).Methods(http.MethodGet)

	// 需要身分的路由
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authMiddleware)
	api.HandleFunc("/rooms", h.createRoom).Methods(http.MethodPost)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(h.authMiddleware)
	ws.HandleFunc("/race", h.joinMatchmaking).Methods(http.MethodGet)
	ws.HandleFunc("/rooms/{room_id}", h.joinRoom).Methods(http.MethodGet)

	return r
}

// createRoom 創建房間，請求者成為創建者
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	roomID, err := h.rooms.CreateRoom(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("創建房間失敗", "user_id", id.UserID, "error", err)
		h.errorResponse(w, "房間服務暫時無法使用", http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"roomId": roomID,
	}, http.StatusCreated)
}

// joinMatchmaking 升級連線、完成握手後放入配對大廳
func (h *Handler) joinMatchmaking(w http.ResponseWriter, r *http.Request) {
	player := h.accept(w, r)
	if player == nil {
		return
	}

	// 交出連線後不能因為請求結束而放棄回覆
	ctx := context.WithoutCancel(r.Context())

	err := h.matchmaker.Join(ctx, player)
	var joinErr *JoinError
	switch {
	case err == nil:
	case errors.As(err, &joinErr):
		reject(joinErr.Player.Sender, "Already queued", "You are already waiting for a race in another tab.")
	default:
		h.logger.Warn("加入配對失敗", "user_id", player.UserID, "error", err)
		reject(player.Sender, "Server unavailable", "Matchmaking is shutting down, please try again later.")
	}
}

// joinRoom 升級連線、完成握手後交給指定房間
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["room_id"]
	roomID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		h.errorResponse(w, "無效的房號", http.StatusBadRequest)
		return
	}

	player := h.accept(w, r)
	if player == nil {
		return
	}

	ctx := context.WithoutCancel(r.Context())

	err = h.rooms.JoinRoom(ctx, RoomID(roomID), player)
	switch {
	case err == nil:
	case errors.Is(err, ErrRoomNotFound):
		reject(player.Sender, "Room not found", "The room "+raw+" does not exist.")
	case errors.Is(err, ErrAlreadyInRoom):
		reject(player.Sender, "Already in room", "You are already connected to this room.")
	default:
		h.logger.Warn("加入房間失敗", "room_id", roomID, "user_id", player.UserID, "error", err)
		reject(player.Sender, "Server unavailable", "Rooms are shutting down, please try again later.")
	}
}

// accept 升級為 WebSocket 並執行存活握手；失敗時連線已關閉，回傳 nil
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) *Conn {
	id, _ := IdentityFrom(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回覆錯誤
		h.logger.Debug("WebSocket 升級失敗", "error", err)
		return nil
	}

	player := Accept(ws, id, h.cfg.Connection, h.logger)
	if err := player.Handshake(h.cfg.Connection.HandshakeTimeout); err != nil {
		h.logger.Debug("握手失敗，丟棄連線",
			"user_id", id.UserID,
			"session_id", player.SessionID,
			"error", err)
		_ = player.Close()
		return nil
	}

	return player
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	mm, err := h.matchmaker.Stats(r.Context())
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rooms, err := h.rooms.Stats(r.Context())
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"matchmaking": mm,
		"rooms":       rooms,
	}, http.StatusOK)
}

// protocol 訊息協議的 JSON schema
func (h *Handler) protocol(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, ProtocolSchema(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// authMiddleware 驗證身分令牌，把身分放進 context
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r, h.cfg.Auth.CookieName)
		if token == "" {
			h.errorResponse(w, "缺少身分令牌", http.StatusUnauthorized)
			return
		}

		id, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Debug("身分驗證失敗", "path", r.URL.Path, "error", err)
			h.errorResponse(w, "身分令牌無效或已過期", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要接手底層連線
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("底層 ResponseWriter 不支援 Hijack")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
