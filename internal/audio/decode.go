package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// SampleRate is the rate every decoder resamples to.
const SampleRate = 16000

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// DecodeFile reads a .wav or .mp3 file into 16 kHz mono float32 samples in [-1, 1].
func DecodeFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return DecodeWAV(f)
	case ".mp3":
		return DecodeMP3(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
}

func DecodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("%w: wav has no channels", ErrUnsupportedFormat)
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrUnsupportedFormat, bitDepth)
	}

	scale := float32(int64(1) << (bitDepth - 1))
	// 8-bit PCM is unsigned with silence at 128
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = float32(v-offset) / scale
	}
	return Resample(Downmix(interleaved, channels), int(dec.SampleRate), SampleRate), nil
}

// DecodeMP3 decodes to 16-bit stereo first; go-mp3 always emits two channels.
func DecodeMP3(r io.Reader) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	interleaved := PCM16ToFloat(data)
	return Resample(Downmix(interleaved, 2), dec.SampleRate(), SampleRate), nil
}

// PCM16ToFloat converts little-endian signed 16-bit samples. A trailing odd byte is dropped.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}

// Downmix averages interleaved frames into a single channel.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
