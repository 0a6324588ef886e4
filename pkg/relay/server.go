package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/logging"
	"github.com/harunnryd/tutorcall/pkg/preferences"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/runner"
	"github.com/harunnryd/tutorcall/pkg/transports/twilio"
	"github.com/harunnryd/tutorcall/pkg/turn"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// TokenMinter signs room access tokens.
type TokenMinter interface {
	Mint(channel string, uid uint32) (twilio.Token, error)
}

// ChatRunner runs one stateless transcribe, reply and synthesize exchange.
type ChatRunner interface {
	Chat(ctx context.Context, audio stt.Audio, history []llm.Message, language string) (turn.Result, error)
}

// PreferenceStore persists assistant preferences.
type PreferenceStore interface {
	Get() preferences.Preferences
	Update(p preferences.Preferences) (preferences.Preferences, error)
}

// SessionCounter reports live call sessions.
type SessionCounter interface {
	Count() int64
}

// Lifecycle reports the process phase for health checks.
type Lifecycle interface {
	State() runner.State
}

type Config struct {
	AllowedOrigins []string
	// MaxUploadBytes bounds the chat audio part.
	MaxUploadBytes int64
}

type Dependencies struct {
	Tokens      TokenMinter
	Chat        ChatRunner
	Preferences PreferenceStore
	Sessions    SessionCounter
	Lifecycle   Lifecycle
	// Session serves the live call websocket.
	Session http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP surface of the tutor.
type Server struct {
	e    *echo.Echo
	cfg  Config
	deps Dependencies
	log  *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type chatResponse struct {
	UserText   string `json:"userText"`
	TutorText  string `json:"tutorText"`
	TutorAudio string `json:"tutorAudio"`
	TutorMime  string `json:"tutorMime,omitempty"`
}

func New(cfg Config, deps Dependencies) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = stt.MaxAudioBytes
	}
	s := &Server{
		e:    echo.New(),
		cfg:  cfg,
		deps: deps,
		log:  logging.NewComponentLogger(deps.Logger, "relay"),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()))
			return nil
		},
	}))
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/health", s.health)
	s.e.GET("/token", s.token)
	s.e.POST("/chat", s.chat)
	s.e.GET("/preferences", s.getPreferences)
	s.e.PUT("/preferences", s.putPreferences)
	if s.deps.Session != nil {
		s.e.GET("/session", echo.WrapHandler(s.deps.Session))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// health answers 503 once shutdown begins so load balancers stop routing
// new sessions here.
func (s *Server) health(c echo.Context) error {
	var n int64
	if s.deps.Sessions != nil {
		n = s.deps.Sessions.Count()
	}
	status, code := "ok", http.StatusOK
	if s.deps.Lifecycle != nil {
		if st := s.deps.Lifecycle.State(); st.ShuttingDown() {
			status, code = st.String(), http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, map[string]any{"status": status, "sessions": n})
}

func (s *Server) token(c echo.Context) error {
	if s.deps.Tokens == nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "token relay not configured"})
	}
	uid, err := twilio.ParseUID(c.QueryParam("uid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	tok, err := s.deps.Tokens.Mint(c.QueryParam("channel"), uid)
	if err != nil {
		s.log.Error("token_mint_failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, tok)
}

// chat runs one stateless turn. Audio with no speech answers 200 with empty
// userText, tutorText and tutorAudio; the client keeps listening.
func (s *Server) chat(c echo.Context) error {
	if s.deps.Chat == nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "chat relay not configured"})
	}
	req := c.Request()
	// room for the other form fields on top of the audio part
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.MaxUploadBytes+1<<20)
	fh, err := c.FormFile("audio")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "audio file too large"})
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "audio file is required"})
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "audio file too large"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "audio file unreadable"})
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "audio file unreadable"})
	}
	history, err := parseHistory(c.FormValue("messageHistory"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "messageHistory must be a JSON array of {role, content}"})
	}
	audio := stt.Audio{
		Data:     data,
		MimeType: fh.Header.Get(echo.HeaderContentType),
		Filename: fh.Filename,
	}
	res, err := s.deps.Chat.Chat(req.Context(), audio, history, strings.TrimSpace(c.FormValue("language")))
	if err != nil {
		s.log.Error("chat_failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: redact.Credentials(err.Error())})
	}
	s.log.Info("chat_completed",
		slog.String("user_text", redact.Text(res.UserText)),
		slog.Int("reply_chars", len(res.ReplyText)),
		slog.Int("audio_bytes", len(res.Audio.Data)))
	return c.JSON(http.StatusOK, chatResponse{
		UserText:   res.UserText,
		TutorText:  res.ReplyText,
		TutorAudio: base64.StdEncoding.EncodeToString(res.Audio.Data),
		TutorMime:  res.Audio.MimeType,
	})
}

func parseHistory(raw string) ([]llm.Message, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var in []llm.Message
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *Server) getPreferences(c echo.Context) error {
	if s.deps.Preferences == nil {
		return c.JSON(http.StatusOK, preferences.Preferences{})
	}
	return c.JSON(http.StatusOK, s.deps.Preferences.Get().Masked())
}

func (s *Server) putPreferences(c echo.Context) error {
	if s.deps.Preferences == nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "preferences not configured"})
	}
	var update preferences.Preferences
	if err := json.NewDecoder(c.Request().Body).Decode(&update); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid preferences body"})
	}
	next, err := s.deps.Preferences.Update(update)
	if err != nil {
		s.log.Error("preferences_update_failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, next.Masked())
}
