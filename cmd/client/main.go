// Command client is a headless GoTrade client: it signs in (or resumes a
// stored session), keeps a realtime connection up, and prints inbound
// events. Useful for exercising a backend without the UI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/NicolasHaas/gotrade/pkg/audio"
	"github.com/NicolasHaas/gotrade/pkg/auth"
	"github.com/NicolasHaas/gotrade/pkg/config"
	"github.com/NicolasHaas/gotrade/pkg/credstore"
	"github.com/NicolasHaas/gotrade/pkg/logging"
	"github.com/NicolasHaas/gotrade/pkg/model"
	"github.com/NicolasHaas/gotrade/pkg/realtime"
	"github.com/NicolasHaas/gotrade/pkg/session"
	"github.com/NicolasHaas/gotrade/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "gotrade.yaml", "path to the YAML config file")
		email       = flag.String("email", "", "email for login when no session is stored")
		password    = flag.String("password", "", "password for login")
		join        = flag.String("join", "", "conversation id to join once connected")
		mic         = flag.Bool("mic", false, "stream microphone audio into a voice session")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, *email, *password, *join, *mic); err != nil {
		slog.Error("client exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, email, password, join string, mic bool) error {
	creds, err := credstore.Open(cfg.CredentialPath)
	if err != nil {
		return err
	}
	defer func() { _ = creds.Close() }()

	ctrl := auth.NewController(cfg.APIBaseURL, creds)
	sup := realtime.NewSupervisor(cfg.RealtimeURL, nil)

	var recorderMu sync.Mutex
	var recorder *audio.Recorder

	sup.OnStateChange = func(state realtime.State) {
		slog.Info("connection state", "state", state.String())
		if state != realtime.StateConnected {
			return
		}

		// Subscriptions are scoped to the connection; register on every
		// connect.
		sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
			var m model.IncomingMessage
			if err := json.Unmarshal(ev.Data, &m); err != nil {
				slog.Warn("bad new_message payload", "err", err)
				return
			}
			slog.Info("message", "conversation", m.ConversationID, "sender", m.SenderID, "content", m.Content)
		})
		sup.On(realtime.EventUserTyping, func(ev realtime.Event) {
			var t model.TypingEvent
			if err := json.Unmarshal(ev.Data, &t); err != nil {
				return
			}
			slog.Info("typing", "conversation", t.ConversationID, "user", t.UserID, "typing", t.IsTyping)
		})
		sup.On(realtime.EventNotification, func(ev realtime.Event) {
			slog.Info("notification", "payload", string(ev.Data))
		})
		sup.On(realtime.EventVoiceResponse, func(ev realtime.Event) {
			var v model.VoiceResponse
			if err := json.Unmarshal(ev.Data, &v); err != nil {
				return
			}
			slog.Info("voice response", "session", v.SessionID, "transcription", v.Transcription, "response", v.ResponseText)
		})

		if join != "" {
			sup.JoinRoom(join)
		}

		if mic {
			sessionID := sup.StartVoiceSession(model.VoiceSessionConfig{InputFormat: model.VoiceFormatPCM16})
			enc, err := audio.NewFrameEncoder(model.VoiceFormatPCM16)
			if err != nil {
				slog.Error("voice encoder", "err", err)
				return
			}
			rec := audio.NewRecorder(audio.NewCaptureDevice(), enc, audio.NewVAD(200, 15), sup)
			if err := rec.Start(sessionID); err != nil {
				slog.Error("start recorder", "err", err)
				return
			}
			recorderMu.Lock()
			recorder = rec
			recorderMu.Unlock()
			slog.Info("streaming microphone audio", "session", sessionID)
		}
	}

	mgr := session.NewManager(ctrl, sup)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.Startup(ctx)
	if user, ok := ctrl.CurrentUser(); ok {
		slog.Info("resumed session", "user", user.FullName, "email", user.Email)
	} else {
		if email == "" {
			return fmt.Errorf("no stored session; pass -email and -password to log in")
		}
		user, err := ctrl.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		slog.Info("logged in", "user", user.FullName, "email", user.Email)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	recorderMu.Lock()
	if recorder != nil {
		recorder.Stop()
	}
	recorderMu.Unlock()
	return nil
}
