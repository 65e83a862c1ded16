package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	log "github.com/sirupsen/logrus"
)

// PionFactory builds PeerConnections on pion/webrtc.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory registers the default codecs and interceptors and returns a
// factory whose connections use the given STUN/TURN URLs.
func NewPionFactory(stunURLs []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("call: register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("call: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
	}
	if len(stunURLs) > 0 {
		f.iceServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return f, nil
}

// NewPeer creates a peer connection carrying the tracks of media. Media that
// is not a *StaticMedia gets receive-only transceivers.
func (f *PionFactory) NewPeer(ctx context.Context, m Media, events PeerEvents) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}

	p := &pionPeer{pc: pc, events: make(chan func(), 64), done: make(chan struct{})}
	go p.run()

	if sm, ok := m.(*StaticMedia); ok {
		for _, track := range sm.tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = p.Close()
				return nil, fmt.Errorf("call: add track: %w", err)
			}
			go drainRTCP(sender)
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = p.Close()
				return nil, fmt.Errorf("call: add transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.emit(func() { events.OnCandidate(data) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		if events.OnTrack != nil {
			p.emit(func() { events.OnTrack(kind) })
		}
		go discardTrack(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("[call] peer connection state %s", s)
		if s == webrtc.PeerConnectionStateFailed && events.OnFailed != nil {
			p.emit(func() { events.OnFailed(errors.New("ice failed")) })
		}
	})
	return p, nil
}

// pionPeer adapts *webrtc.PeerConnection. Callbacks are delivered in order on
// a goroutine of their own so they never run inside a pion call made by the
// state machine.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	events chan func()
	done   chan struct{}
	once   sync.Once
}

func (p *pionPeer) run() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.done:
			return
		}
	}
}

func (p *pionPeer) emit(fn func()) {
	select {
	case p.events <- fn:
	case <-p.done:
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionPeer) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("call: decode description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &c); err != nil {
		return fmt.Errorf("call: decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.pc.Close()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func discardTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource produces StaticMedia. It stands in for a capture device on
// headless participants.
type StaticSource struct {
	// NoVideo makes video acquisition fail, as on a host without a camera.
	NoVideo bool
}

// Acquire returns static local media.
func (s StaticSource) Acquire(ctx context.Context, video bool) (Media, error) {
	if video && s.NoVideo {
		return nil, errors.New("call: no video device")
	}
	return NewStaticMedia(video)
}

// StaticMedia is local media made of sample tracks: an audio track fed with
// Opus silence every 20ms while enabled, and an optional VP8 video track.
type StaticMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	stop         chan struct{}
	once         sync.Once
}

// NewStaticMedia creates the tracks and starts the audio feed.
func NewStaticMedia(video bool) (*StaticMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "rtchat",
	)
	if err != nil {
		return nil, fmt.Errorf("call: audio track: %w", err)
	}
	m := &StaticMedia{audio: audio, audioEnabled: true, stop: make(chan struct{})}
	if video {
		m.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "rtchat",
		)
		if err != nil {
			return nil, fmt.Errorf("call: video track: %w", err)
		}
		m.videoEnabled = true
	}
	go m.feed()
	return m, nil
}

func (m *StaticMedia) tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

func (m *StaticMedia) feed() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.Enabled(KindAudio) {
				continue
			}
			_ = m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}

// Video reports whether a video track was acquired.
func (m *StaticMedia) Video() bool { return m.video != nil }

// SetEnabled mutes or unmutes a track.
func (m *StaticMedia) SetEnabled(kind string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case KindAudio:
		m.audioEnabled = enabled
	case KindVideo:
		m.videoEnabled = enabled && m.video != nil
	}
}

// Enabled reports whether a track is currently sending.
func (m *StaticMedia) Enabled(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == KindVideo {
		return m.videoEnabled
	}
	return m.audioEnabled
}

// Stop ends the feed. Safe to call more than once.
func (m *StaticMedia) Stop() {
	m.once.Do(func() { close(m.stop) })
}
