package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// WAV format codes for G.711 codecs.
const (
	wavFormatPCMU = 7 // G.711 u-law (PCMU)
	wavFormatPCMA = 6 // G.711 a-law (PCMA)
)

// wavHeader holds the parsed fields from a WAV file header that we need
// for audio playback validation.
type wavHeader struct {
	AudioFormat   uint16 // 6 = A-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	// Walk chunks to find "fmt " and "data".
	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Reader is now positioned at the start of audio data.

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// codecForWAV maps a WAV audio format code to its G.711 codec.
// Returns an error if the format is not a supported G.711 variant.
func codecForWAV(format uint16) (Codec, error) {
	switch format {
	case wavFormatPCMU:
		return CodecPCMU, nil
	case wavFormatPCMA:
		return CodecPCMA, nil
	default:
		return Codec{}, fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", format)
	}
}

// validateWAVFormat checks the header describes 8kHz mono 8-bit G.711.
func validateWAVFormat(hdr *wavHeader) error {
	if _, err := codecForWAV(hdr.AudioFormat); err != nil {
		return err
	}
	if hdr.NumChannels != 1 {
		return fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate != 8000 {
		return fmt.Errorf("wav file must be 8000 Hz, got %d Hz", hdr.SampleRate)
	}
	if hdr.BitsPerSample != 8 {
		return fmt.Errorf("wav file must be 8-bit, got %d-bit", hdr.BitsPerSample)
	}
	return nil
}

// ValidateWAVFile opens a WAV file and validates it is in a supported
// G.711 format (alaw or ulaw, 8kHz, mono, 8-bit). Returns the file's
// codec and duration, or an error if the file is invalid.
func ValidateWAVFile(path string) (Codec, time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return Codec{}, 0, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	hdr, err := parseWAVHeader(f)
	if err != nil {
		return Codec{}, 0, fmt.Errorf("parsing wav header: %w", err)
	}
	if err := validateWAVFormat(hdr); err != nil {
		return Codec{}, 0, err
	}

	codec, _ := codecForWAV(hdr.AudioFormat)

	// Duration = total samples / sample rate. For 8-bit G.711, 1 byte = 1 sample.
	dur := time.Duration(hdr.DataSize) * time.Second / time.Duration(hdr.SampleRate)

	return codec, dur, nil
}

// ValidateWAVData validates in-memory WAV data is in a supported G.711
// format (alaw or ulaw, 8kHz, mono, 8-bit). Returns an error describing
// the validation failure, or nil if the data is valid.
func ValidateWAVData(data []byte) error {
	r := bytes.NewReader(data)

	hdr, err := parseWAVHeader(r)
	if err != nil {
		return fmt.Errorf("invalid wav: %w", err)
	}
	return validateWAVFormat(hdr)
}

// FrameWriter consumes 20ms companded audio frames. Implemented by Bridge.
type FrameWriter interface {
	WriteFrame(payload []byte) error
}

// Player streams an announcement to the door station through a bridge.
// It reads G.711 WAV files, slices them into 20ms frames, transcodes to
// the call's negotiated codec when needed, and writes them with real-time
// pacing. Packetization is the bridge's job.
type Player struct {
	w      FrameWriter
	codec  Codec // the call's negotiated codec
	logger *slog.Logger
}

// NewPlayer creates an announcement player writing frames in the given
// negotiated codec to w.
func NewPlayer(w FrameWriter, codec Codec, logger *slog.Logger) *Player {
	return &Player{
		w:      w,
		codec:  codec,
		logger: logger.With("subsystem", "announce-player"),
	}
}

// PlayResult holds the outcome of an audio playback operation.
type PlayResult struct {
	// FramesSent is the number of 20ms frames written.
	FramesSent int
	// Duration is the actual playback duration.
	Duration time.Duration
}

// PlayFile reads a G.711 WAV file and streams it as paced frames.
// The context can be used to cut playback short (e.g., when the call ends).
func (p *Player) PlayFile(ctx context.Context, path string) (*PlayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	hdr, err := parseWAVHeader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	if err := validateWAVFormat(hdr); err != nil {
		return nil, err
	}

	fileCodec, _ := codecForWAV(hdr.AudioFormat)

	p.logger.Info("playing announcement",
		"path", path,
		"file_codec", fileCodec.Name,
		"call_codec", p.codec.Name,
		"data_bytes", hdr.DataSize,
	)

	return p.stream(ctx, f, fileCodec, hdr.DataSize)
}

// PlayData streams raw companded audio samples (already stripped of any
// WAV header) in the given source codec. dataSize is the number of bytes
// to read from r.
func (p *Player) PlayData(ctx context.Context, r io.Reader, src Codec, dataSize uint32) (*PlayResult, error) {
	return p.stream(ctx, r, src, dataSize)
}

// stream reads companded samples from r in 20ms slices and writes them to
// the bridge with wall-clock pacing. The final short frame is padded with
// silence.
func (p *Player) stream(ctx context.Context, r io.Reader, src Codec, dataSize uint32) (*PlayResult, error) {
	frame := make([]byte, samplesPerFrame)
	sent := 0
	remaining := dataSize
	start := time.Now()

	for remaining > 0 {
		// Check for cancellation.
		select {
		case <-ctx.Done():
			p.logger.Info("playback cancelled",
				"frames_sent", sent,
				"remaining_bytes", remaining,
			)
			return &PlayResult{
				FramesSent: sent,
				Duration:   time.Since(start),
			}, ctx.Err()
		default:
		}

		toRead := uint32(samplesPerFrame)
		if remaining < toRead {
			toRead = remaining
		}

		n, err := io.ReadFull(r, frame[:toRead])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading audio data: %w", err)
		}
		if n == 0 {
			break
		}

		// Pad a short final frame with the source codec's silence value.
		for i := n; i < samplesPerFrame; i++ {
			frame[i] = src.silence
		}

		if err := p.w.WriteFrame(Transcode(src, p.codec, frame)); err != nil {
			return nil, fmt.Errorf("writing audio frame: %w", err)
		}

		sent++
		remaining -= uint32(n)

		// Pace frames at 20ms intervals. Use wall-clock timing to avoid
		// drift from processing overhead.
		elapsed := time.Since(start)
		expected := time.Duration(sent) * frameDuration
		if sleep := expected - elapsed; sleep > 0 {
			time.Sleep(sleep)
		}
	}

	duration := time.Since(start)
	p.logger.Info("playback complete",
		"frames_sent", sent,
		"duration", duration,
	)

	return &PlayResult{
		FramesSent: sent,
		Duration:   duration,
	}, nil
}
