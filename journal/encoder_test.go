/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap/zaptest"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFFmpegEncoderArgs(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	bin := fakeFFmpeg(t, `printf '%s\n' "$@" > `+argsFile+`
for last; do :; done
printf 'RIFF' > "$last"`)

	enc := FFmpegEncoder{Path: bin, Threads: 3, CompressionLevel: DefaultCompressionLevel, Logger: zaptest.NewLogger(t)}
	out := filepath.Join(dir, "out.webp")
	if err := enc.EncodeWebP(context.Background(), "in.jpg", out, 80); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !FileExists(out) {
		t.Fatal("expected output to exist")
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	actual := strings.Fields(string(data))
	expect := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "in.jpg",
		"-c:v", "libwebp",
		"-quality", "80",
		"-lossless", "0",
		"-compression_level", strconv.Itoa(DefaultCompressionLevel),
		"-preset", "picture",
		"-threads", "3",
		"-y", out,
	}
	if strings.Join(actual, " ") != strings.Join(expect, " ") {
		t.Errorf("unexpected arguments\nexpected: %v\n     got: %v", expect, actual)
	}
}

func TestFFmpegEncoderCompressionLevel(t *testing.T) {
	for i, tc := range []struct {
		level  int
		expect string
	}{
		{level: 0, expect: "0"},
		{level: 4, expect: "4"},
		{level: 6, expect: "6"},
		{level: -1, expect: strconv.Itoa(DefaultCompressionLevel)},
		{level: 9, expect: strconv.Itoa(DefaultCompressionLevel)},
	} {
		args := FFmpegEncoder{CompressionLevel: tc.level}.args("in.jpg", "out.webp", 80)
		var actual string
		for j, arg := range args {
			if arg == "-compression_level" && j+1 < len(args) {
				actual = args[j+1]
			}
		}
		if actual != tc.expect {
			t.Errorf("Test %d (level %d): expected -compression_level %s, got %q", i, tc.level, tc.expect, actual)
		}
	}
}

func TestFFmpegEncoderFailure(t *testing.T) {
	bin := fakeFFmpeg(t, `for last; do :; done
printf 'partial' > "$last"
echo "Unknown encoder 'libwebp'" >&2
exit 1`)

	out := filepath.Join(t.TempDir(), "out.webp")
	err := FFmpegEncoder{Path: bin}.EncodeWebP(context.Background(), "in.jpg", out, 80)
	if !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("expected ErrEncodingFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown encoder") {
		t.Errorf("expected stderr in error, got %v", err)
	}
	if FileExists(out) {
		t.Error("partial output should have been removed")
	}
}

func TestFFmpegEncoderTimeout(t *testing.T) {
	bin := fakeFFmpeg(t, `exec sleep 10`)

	start := time.Now()
	err := FFmpegEncoder{Path: bin, Timeout: 100 * time.Millisecond}.
		EncodeWebP(context.Background(), "in.jpg", filepath.Join(t.TempDir(), "out.webp"), 80)
	if !errors.Is(err, ErrEncoderTimeout) {
		t.Fatalf("expected ErrEncoderTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("encoder was not killed promptly (%s)", elapsed)
	}
}

func TestFFmpegEncoderMissingBinary(t *testing.T) {
	enc := FFmpegEncoder{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	err := enc.EncodeWebP(context.Background(), "in.jpg", filepath.Join(t.TempDir(), "out.webp"), 80)
	if !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("expected ErrEncodingFailure, got %v", err)
	}
}

func TestBreakerEncoderOpensAfterFailures(t *testing.T) {
	inner := &fakeEncoder{fail: true}
	enc := NewBreakerEncoder(inner, 3, time.Minute, zaptest.NewLogger(t))

	for i := range 6 {
		err := enc.EncodeWebP(context.Background(), "in", "out", 80)
		if !errors.Is(err, ErrEncodingFailure) {
			t.Fatalf("call %d: expected ErrEncodingFailure, got %v", i, err)
		}
		if i >= 3 && !errors.Is(err, gobreaker.ErrOpenState) {
			t.Errorf("call %d: expected the circuit to be open, got %v", i, err)
		}
	}
	if calls := inner.calls.Load(); calls != 3 {
		t.Errorf("expected the wrapped encoder to be called 3 times, got %d", calls)
	}
	if state := enc.State(); state != "open" {
		t.Errorf("expected open state, got %s", state)
	}
}

func TestBreakerEncoderPassesSuccess(t *testing.T) {
	inner := new(fakeEncoder)
	enc := NewBreakerEncoder(inner, 2, time.Minute, nil)

	in := filepath.Join(t.TempDir(), "in.jpg")
	if err := os.WriteFile(in, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		if err := enc.EncodeWebP(context.Background(), in, in+".webp", 80); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if inner.calls.Load() != 5 {
		t.Errorf("expected 5 calls, got %d", inner.calls.Load())
	}
	if enc.State() != "closed" {
		t.Errorf("expected closed state, got %s", enc.State())
	}
}
