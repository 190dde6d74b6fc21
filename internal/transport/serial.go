// internal/transport/serial.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/Gurux/gxserial-go"
)

// DefaultBaudRate is used when the configuration leaves it unset
const DefaultBaudRate = 115200

// SerialConfig describes a serial console connection
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string // none, odd, even, mark, space
	StopBits string // empty for one stop bit
	Charset  string

	// Username and Password are typed at login/password prompts when set
	Username string
	Password string

	// WriteChunk splits submissions into pieces of this many bytes,
	// separated by WriteDelay, for devices with small tty input buffers.
	// Zero writes each submission at once.
	WriteChunk int
	WriteDelay time.Duration

	Logger *slog.Logger
}

// Serial is a Transport over a hardware serial port
type Serial struct {
	hub
	cfg     SerialConfig
	media   *gxserial.GXSerial
	decoder *Decoder
	login   *autoLogin
	logger  *slog.Logger

	mu   sync.Mutex
	open bool

	// brokenMu is separate from mu because the media reports open
	// failures through the error callback while Open holds mu
	brokenMu sync.Mutex
	broken   error
}

// NewSerial validates cfg and prepares a serial transport. The port is not
// touched until Open.
func NewSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port not set")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("port", cfg.Port)

	parity, err := gxcommon.ParityParse(parityName(cfg.Parity))
	if err != nil {
		return nil, fmt.Errorf("parse parity: %w", err)
	}
	var stopBits gxcommon.StopBits = gxcommon.StopBitsOne
	if cfg.StopBits != "" {
		stopBits, err = gxcommon.StopBitsParse(cfg.StopBits)
		if err != nil {
			return nil, fmt.Errorf("parse stop bits: %w", err)
		}
	}
	decoder, err := NewDecoder(cfg.Charset)
	if err != nil {
		return nil, err
	}

	s := &Serial{
		cfg:     cfg,
		media:   gxserial.NewGXSerial(cfg.Port, gxcommon.BaudRate(cfg.BaudRate), cfg.DataBits, stopBits, parity),
		decoder: decoder,
		logger:  logger,
	}
	s.login = newAutoLogin(cfg.Username, cfg.Password, s.sendAsync, logger)
	return s, nil
}

func parityName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "None"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Ports lists serial device paths present on this host
func Ports() ([]string, error) {
	return gxserial.GetPortNames()
}

// Open opens the port and starts delivering received text to subscribers
func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.media.SetOnReceived(func(m gxcommon.IGXMedia, e gxcommon.ReceiveEventArgs) {
		s.receive(e.Data())
	})
	s.media.SetOnError(func(m gxcommon.IGXMedia, err error) {
		s.logger.Warn("serial error", "error", err)
		s.setBroken(err)
	})
	s.media.SetOnMediaStateChange(func(m gxcommon.IGXMedia, e gxcommon.MediaStateEventArgs) {
		s.logger.Debug("serial state", "state", e.State().String())
	})

	if err := s.media.Validate(); err != nil {
		return &ConnectionError{Op: "open", Addr: s.cfg.Port, Err: err}
	}
	if err := s.media.Open(); err != nil {
		return &ConnectionError{Op: "open", Addr: s.cfg.Port, Err: err}
	}
	s.open = true
	s.setBroken(nil)
	s.logger.Info("serial port open", "baud", s.cfg.BaudRate)
	return nil
}

func (s *Serial) setBroken(err error) {
	s.brokenMu.Lock()
	s.broken = err
	s.brokenMu.Unlock()
}

func (s *Serial) receive(data any) {
	var raw []byte
	switch v := data.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		raw = []byte(fmt.Sprint(v))
	}
	text := s.decoder.Decode(raw)
	if text == "" {
		return
	}
	s.login.observe(text)
	s.publish(text)
}

// Send writes data to the port, paced by WriteChunk/WriteDelay
func (s *Serial) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	s.brokenMu.Lock()
	broken := s.broken
	s.brokenMu.Unlock()
	if !open {
		return &ConnectionError{Op: "write", Addr: s.cfg.Port, Err: errors.New("port not open")}
	}
	if broken != nil {
		return &ConnectionError{Op: "write", Addr: s.cfg.Port, Err: broken}
	}

	chunk := s.cfg.WriteChunk
	if chunk <= 0 {
		chunk = len(data)
	}
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := s.media.Send(string(data[off:end]), ""); err != nil {
			return &ConnectionError{Op: "write", Addr: s.cfg.Port, Err: err}
		}
		if end < len(data) && s.cfg.WriteDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.WriteDelay):
			}
		}
	}
	return nil
}

// sendAsync is used from the receive path, which must not block on writes
func (s *Serial) sendAsync(text string) {
	go func() {
		if err := s.Send(context.Background(), []byte(text)); err != nil {
			s.logger.Warn("login reply failed", "error", err)
		}
	}()
}

// Close closes the port; closing a closed port is a no-op
func (s *Serial) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.mu.Unlock()

	if err := s.media.Close(); err != nil {
		return &ConnectionError{Op: "close", Addr: s.cfg.Port, Err: err}
	}
	s.logger.Info("serial port closed")
	return nil
}

// Name returns the device path
func (s *Serial) Name() string {
	return s.cfg.Port
}

// Echoes is true: serial consoles echo what they receive
func (s *Serial) Echoes() bool {
	return true
}
