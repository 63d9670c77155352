// Package rtc owns the media plane: it builds pion peer connections for
// camera previews and program slots and generates the synthetic idle feed.
package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine holds the shared pion API and ICE configuration that every peer
// connection of the process is built from.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

// NewEngine configures the media engine once for the whole process. Default
// codecs and interceptors cover the browser senders we talk to; the interval
// PLI interceptor keeps preview decoders refreshable even when an explicit
// keyframe request is lost.
func NewEngine(stunServers []string) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	// pion is chatty at info level; keep its internals quiet and let the
	// coordinator decide what is worth logging.
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelError
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: loggerFactory,
	}

	var servers []webrtc.ICEServer
	for _, url := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{ICEServers: servers},
		log:    log.With().Str("component", "rtc").Logger(),
	}, nil
}
