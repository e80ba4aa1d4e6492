package logic

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/decoder"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/tracker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomPeerID(t *testing.T) {
	id := generateRandomPeerID()
	assert.Equal(t, clientPrefix, string(id[:len(clientPrefix)]))
	for _, c := range id[len(clientPrefix):] {
		assert.True(t, strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", rune(c)))
	}
	assert.NotEqual(t, id, generateRandomPeerID())
}

func torrent(t *testing.T, announce string, data []byte) io.Reader {
	t.Helper()
	sum := sha1.Sum(data)
	b, err := decoder.Encode(map[string]any{
		"announce": announce,
		"info": map[string]any{
			"name":         "file.bin",
			"length":       int64(len(data)),
			"piece length": int64(16384),
			"pieces":       string(sum[:]),
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestDownload(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	data := []byte("hello, swarm")

	var tests = []struct {
		name   string
		setup  func(t *testing.T) (Downloader, io.Reader, afero.Fs)
		assert func(t *testing.T, fs afero.Fs, err error)
	}{
		{
			name: "invalid config",
			setup: func(t *testing.T) (Downloader, io.Reader, afero.Fs) {
				cfg := config.Default()
				cfg.MaxInflight = 0
				fs := afero.NewMemMapFs()
				return NewDownloader(decoder.NewDecoder(logger), cfg, Options{Fs: fs}, logger), torrent(t, "http://t", data), fs
			},
			assert: func(t *testing.T, fs afero.Fs, err error) {
				assert.ErrorIs(t, err, config.ErrInvalidConfig)
			},
		},
		{
			name: "broken metafile",
			setup: func(t *testing.T) (Downloader, io.Reader, afero.Fs) {
				fs := afero.NewMemMapFs()
				return NewDownloader(decoder.NewDecoder(logger), config.Default(), Options{Fs: fs}, logger), strings.NewReader("d4:infoi1ee"), fs
			},
			assert: func(t *testing.T, fs afero.Fs, err error) {
				assert.Error(t, err)
			},
		},
		{
			name: "no trackers and no peers",
			setup: func(t *testing.T) (Downloader, io.Reader, afero.Fs) {
				cfg := config.Default()
				cfg.OutputDir = "/out"
				cfg.Listen = false
				fs := afero.NewMemMapFs()
				return NewDownloader(decoder.NewDecoder(logger), cfg, Options{Fs: fs}, logger), torrent(t, "ws://tracker", data), fs
			},
			assert: func(t *testing.T, fs afero.Fs, err error) {
				assert.ErrorIs(t, err, tracker.ErrNoTrackers)
				exists, _ := afero.Exists(fs, "/out/file.bin")
				assert.True(t, exists, "storage is allocated before the swarm starts")
			},
		},
		{
			name: "already complete content returns at once",
			setup: func(t *testing.T) (Downloader, io.Reader, afero.Fs) {
				cfg := config.Default()
				cfg.OutputDir = "/out"
				cfg.Listen = false
				fs := afero.NewMemMapFs()
				require.NoError(t, afero.WriteFile(fs, "/out/file.bin", data, 0o644))
				opts := Options{Fs: fs, Peers: []models.Addr{{IP: net.IPv4(127, 0, 0, 1), Port: 1}}}
				return NewDownloader(decoder.NewDecoder(logger), cfg, opts, logger), torrent(t, "ws://tracker", data), fs
			},
			assert: func(t *testing.T, fs afero.Fs, err error) {
				assert.NoError(t, err)
				got, rerr := afero.ReadFile(fs, "/out/file.bin")
				require.NoError(t, rerr)
				assert.Equal(t, data, got)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d, metafile, fs := tt.setup(t)
			err := d.Download(context.Background(), metafile)
			tt.assert(t, fs, err)
		})
	}
}
