package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/call"
	"github.com/petervdpas/voicemesh/internal/config"
	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/storage"
)

var log = logging.Logger("voice/app")

type Options struct {
	PeerDir string
	CfgPath string // watched for ICE server changes; "" disables reload
	Cfg     config.Config
	Channel string

	// Out receives the banner and one line per session event. nil is stdout.
	Out io.Writer

	// Media and Native override the microphone and pion. Tests use them.
	Media  call.MediaSource
	Native call.NativeFactory
}

// iceUpdater is implemented by native factories that can take new ICE
// servers while running.
type iceUpdater interface {
	SetICEServers([]webrtc.ICEServer)
}

// Join runs one participant in opt.Channel until ctx is done, then leaves.
func Join(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	out := opt.Out
	if out == nil {
		out = os.Stdout
	}

	m := metrics.New(cfg.Metrics.Runtime)

	var journal *storage.Journal
	if cfg.Storage.Journal {
		j, err := storage.Open(opt.PeerDir)
		if err != nil {
			return err
		}
		defer j.Close()
		if cfg.Storage.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Storage.RetentionDays)
			if n, err := j.Prune(cutoff); err != nil {
				log.Warnf("APP: prune journal: %v", err)
			} else if n > 0 {
				log.Infof("APP: pruned %d journal entries", n)
			}
		}
		journal = j
	}

	tr, err := openTransport(ctx, opt.PeerDir, cfg, m)
	if err != nil {
		return err
	}
	defer tr.close()

	native := opt.Native
	if native == nil {
		pf, err := call.NewPionFactory(pionOptions(cfg))
		if err != nil {
			return err
		}
		native = pf
	}

	media := opt.Media
	if media == nil {
		media = mediaSource(cfg.Voice, call.CaptureMicrophone(tr.localID), call.SilentMedia(tr.localID))
	}

	ctrl, err := call.New(call.Options{
		Bus:             tr.bus,
		Media:           media,
		Native:          native,
		Metrics:         m,
		CandidateBuffer: cfg.Voice.CandidateBuffer,
		UnknownSlots:    cfg.Voice.UnknownSlots,
		RestartTimeout:  cfg.Voice.RestartTimeout(),
		DuplicateOffer:  call.OfferPolicy(cfg.Voice.DuplicateOffer),
		DedupWindow:     cfg.Voice.DedupWindow,
		EventBuffer:     cfg.Voice.EventBuffer,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := serveDebug(cfg.Metrics.Addr, m, ctrl, tr)
		defer srv.Close()
	}

	events, stopEvents := ctrl.Subscribe()
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		report(ctx, out, journal, tr.localID, events)
	}()

	logBanner(out, opt.PeerDir, opt.CfgPath, opt.Channel, tr.localID, audioLabel(cfg.Voice))

	if err := ctrl.Join(ctx, opt.Channel, tr.localID); err != nil {
		stopEvents()
		_ = ctrl.Leave()
		<-reported
		return err
	}
	record(journal, storage.Entry{ChannelID: opt.Channel, LocalID: tr.localID, Type: "joined"})

	if ids := tr.existing(ctx, opt.Channel); len(ids) > 0 {
		log.Infof("APP: %d participants already in %s", len(ids), opt.Channel)
		if err := ctrl.ConnectToExisting(ids); err != nil {
			log.Warnf("APP: connect to existing: %v", err)
		}
	}

	if opt.CfgPath != "" {
		if up, ok := native.(iceUpdater); ok {
			w, err := config.Watch(opt.CfgPath, func(c config.Config) {
				up.SetICEServers(c.ICE.WebRTCServers())
				log.Infof("APP: ICE servers reloaded (%d)", len(c.ICE.Servers))
			})
			if err != nil {
				log.Warnf("APP: config watch: %v", err)
			} else {
				defer w.Close()
			}
		}
	}

	<-ctx.Done()

	err = ctrl.Leave()
	<-reported
	record(journal, storage.Entry{ChannelID: opt.Channel, LocalID: tr.localID, Type: "left"})
	return err
}

// mediaSource picks the local audio. A denied microphone fails the join
// unless silence_fallback is set.
func mediaSource(v config.Voice, mic, silence call.MediaSource) call.MediaSource {
	switch {
	case !v.Microphone:
		return silence
	case v.SilenceFallback:
		return call.WithFallback(mic, silence)
	default:
		return mic
	}
}

func audioLabel(v config.Voice) string {
	switch {
	case !v.Microphone:
		return "silence (microphone off)"
	case v.SilenceFallback:
		return "microphone, silence if denied"
	default:
		return "microphone"
	}
}

func pionOptions(cfg config.Config) call.PionOptions {
	o := call.PionOptions{
		ICEServers:          cfg.ICE.WebRTCServers(),
		DisconnectedTimeout: config.Seconds(cfg.ICE.DisconnectedTimeoutSec),
		FailedTimeout:       config.Seconds(cfg.ICE.FailedTimeoutSec),
		KeepAliveInterval:   config.Seconds(cfg.ICE.KeepAliveIntervalSec),
	}
	if logging.GetConfig().Level <= logging.LevelDebug {
		lf := pionlog.NewDefaultLoggerFactory()
		lf.DefaultLogLevel = pionlog.LogLevelDebug
		o.LoggerFactory = lf
	}
	if cfg.Voice.LossThreshold > 0 {
		o.OnRTCP = call.LossReporter(cfg.Voice.LossThreshold)
	}
	return o
}

// report prints and journals session events until the controller closes
// the channel. Remote audio is read and discarded so pion's buffers drain.
func report(ctx context.Context, out io.Writer, j *storage.Journal, localID string, events <-chan call.Event) {
	for ev := range events {
		e := storage.Entry{
			ChannelID: ev.ChannelID,
			LocalID:   localID,
			RemoteID:  ev.RemoteID,
			Type:      string(ev.Type),
			At:        ev.At,
		}
		switch ev.Type {
		case call.EventConnectionState:
			e.State = ev.State.String()
			fmt.Fprintf(out, "%s  %-8s %s\n", ev.At.Format("15:04:05"), short(ev.RemoteID), e.State)
		case call.EventRemoteStream:
			fmt.Fprintf(out, "%s  %-8s audio %s\n", ev.At.Format("15:04:05"), short(ev.RemoteID), ev.Stream.Codec().MimeType)
			go func(s call.RemoteStream) {
				if err := call.Consume(ctx, s, nil); err != nil && !errors.Is(err, context.Canceled) {
					log.Debugf("APP: stream %s: %v", s.ID(), err)
				}
			}(ev.Stream)
		case call.EventPeerLeft:
			if ev.Reason != nil {
				e.Reason = ev.Reason.Error()
				fmt.Fprintf(out, "%s  %-8s failed: %v\n", ev.At.Format("15:04:05"), short(ev.RemoteID), ev.Reason)
			} else {
				fmt.Fprintf(out, "%s  %-8s left\n", ev.At.Format("15:04:05"), short(ev.RemoteID))
			}
		}
		record(j, e)
	}
}

func record(j *storage.Journal, e storage.Entry) {
	if j == nil {
		return
	}
	if _, err := j.Record(e); err != nil {
		log.Warnf("APP: journal: %v", err)
	}
}

// debugHandler serves /metrics and a JSON view of the controller.
// /debug/voice?peer=<id> asks that participant for its own diagnostics.
func debugHandler(m *metrics.Metrics, ctrl *call.Controller, tr *transport) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/debug/voice", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("peer"); id != "" {
			if tr.remoteDiag == nil {
				http.Error(w, "remote diagnostics need the libp2p bus", http.StatusNotImplemented)
				return
			}
			snap, err := tr.remoteDiag(r.Context(), id)
			if err != nil {
				http.Error(w, fmt.Sprintf("diag %s: %v", short(id), err), http.StatusBadGateway)
				return
			}
			writeJSON(w, map[string]any{"peer": id, "transport": snap})
			return
		}
		body := map[string]any{"controller": ctrl.Snapshot()}
		if tr.diag != nil {
			body["transport"] = tr.diag()
		}
		writeJSON(w, body)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func serveDebug(addr string, m *metrics.Metrics, ctrl *call.Controller, tr *transport) *http.Server {
	listen, url := NormalizeLocalAddr(addr)
	srv := &http.Server{Addr: listen, Handler: debugHandler(m, ctrl, tr), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("APP: debug server: %v", err)
		}
	}()
	if err := WaitTCP(listen, 2*time.Second); err == nil {
		log.Infof("APP: metrics on %s/metrics", url)
	}
	return srv
}
