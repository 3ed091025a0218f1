package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"lancast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// EncoderConfig fixes the MP3 output parameters. Inbound Opus is decoded
// and resampled by ffmpeg to the target rate and layout.
type EncoderConfig struct {
	FFmpegPath  string
	BitrateKbps int
	SampleRate  int
	Channels    int
}

func (c *EncoderConfig) fillDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = 128
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
}

// opusClockRate and opusChannels describe the WebRTC Opus track feeding
// the Ogg mux; RFC 7587 fixes the RTP clock at 48 kHz.
const (
	opusClockRate = 48000
	opusChannels  = 2
)

// MP3Encoder transcodes an Opus RTP stream to MP3 by muxing the packets
// into an Ogg container piped through an ffmpeg subprocess. Output() is
// the MP3 byte stream; it reaches EOF after CloseInput once ffmpeg has
// flushed.
type MP3Encoder struct {
	config EncoderConfig
	logger *zap.SugaredLogger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ogg    *oggwriter.OggWriter

	inputOnce sync.Once
	closeOnce sync.Once
}

func NewMP3Encoder(config EncoderConfig, logger *zap.SugaredLogger) *MP3Encoder {
	config.fillDefaults()
	return &MP3Encoder{config: config, logger: logger}
}

// Start launches the ffmpeg process. The context bounds the process
// lifetime: cancelling it kills ffmpeg and unblocks any pending read.
func (e *MP3Encoder) Start(ctx context.Context) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "ogg",
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", strconv.Itoa(e.config.BitrateKbps) + "k",
		"-ar", strconv.Itoa(e.config.SampleRate),
		"-ac", strconv.Itoa(e.config.Channels),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, e.config.FFmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start %s: %w", e.config.FFmpegPath, err)
	}

	ogg, err := oggwriter.NewWith(stdin, opusClockRate, opusChannels)
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("ogg mux: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = stdout
	e.ogg = ogg
	return nil
}

// WriteRTP muxes one Opus packet into the encoder input.
func (e *MP3Encoder) WriteRTP(p *rtp.Packet) error {
	return e.ogg.WriteRTP(p)
}

// CloseInput ends the frame sequence so ffmpeg flushes its last frames
// and Output reaches EOF.
func (e *MP3Encoder) CloseInput() error {
	var err error
	e.inputOnce.Do(func() {
		if e.ogg != nil {
			e.ogg.Close()
		}
		if e.stdin != nil {
			err = e.stdin.Close()
		}
	})
	return err
}

// Output is the MP3 byte stream.
func (e *MP3Encoder) Output() io.Reader {
	return e.stdout
}

// Close releases the subprocess. Idempotent; safe on every exit path.
func (e *MP3Encoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.CloseInput()
		if e.cmd != nil {
			// Wait reaps the process; the context kill covers the case
			// where ffmpeg ignores its closed stdin.
			err = e.cmd.Wait()
		}
	})
	return err
}

var _ ports.Encoder = (*MP3Encoder)(nil)
