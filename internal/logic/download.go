package logic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/decoder"
	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/storage"
	"github.com/WendelHime/peerwire/internal/swarm"
	"github.com/WendelHime/peerwire/internal/tracker"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const clientPrefix = "-PW0001-"

type Downloader interface {
	Download(ctx context.Context, metafile io.Reader) error
}

type Options struct {
	// Seed keeps serving peers after the download completes, until ctx is
	// cancelled.
	Seed bool
	// Peers are dialed in addition to what the trackers return.
	Peers []models.Addr
	// Fs holds the content. Defaults to the OS filesystem.
	Fs afero.Fs
	// ProgressOutput receives the progress bar; nil disables it.
	ProgressOutput io.Writer
	HTTPClient     *http.Client
}

type downloader struct {
	peerID models.Hash
	d      decoder.MetafileDecoder
	cfg    config.Config
	opts   Options
	log    *slog.Logger
}

func NewDownloader(d decoder.MetafileDecoder, cfg config.Config, opts Options, logger *slog.Logger) Downloader {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &downloader{d: d, cfg: cfg, opts: opts, log: logger, peerID: generateRandomPeerID()}
}

func generateRandomPeerID() models.Hash {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	var peerID models.Hash
	copy(peerID[:], clientPrefix)
	for i := len(clientPrefix); i < len(peerID); i++ {
		peerID[i] = charset[r.Intn(len(charset))]
	}

	return peerID
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}
	layout, err := storage.LayoutFromMetafile(meta)
	if err != nil {
		return err
	}

	d.log.Info("opening storage", slog.String("output_dir", d.cfg.OutputDir), slog.String("name", meta.Info.Name))
	if err := d.opts.Fs.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	name := meta.Info.Name
	if meta.Info.Length > 0 {
		// single-file torrents write the file straight into the output dir
		name = ""
	}
	store, err := storage.Open(d.opts.Fs, d.cfg.OutputDir, name, layout, meta.Info.Files, d.log)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CheckAllOnLoad(); err != nil {
		return err
	}

	coordinator := swarm.New(d.cfg, meta.InfoHash, d.peerID, store, d.log.With(slog.String("torrent", meta.Info.Name)))

	announcer, err := tracker.NewFromMetafile(meta, d.opts.HTTPClient, d.log)
	switch {
	case err == nil:
		coordinator.WithAnnouncer(announcer)
	case errors.Is(err, tracker.ErrNoTrackers) && len(d.opts.Peers) > 0:
		d.log.Warn("no usable trackers, using given peers only")
	default:
		return err
	}

	if d.cfg.Listen {
		listener, err := p2p.Listen(d.cfg.ListenPort, d.log)
		if err != nil {
			return err
		}
		defer listener.Close()
		coordinator.WithListener(listener)
		d.log.Info("listening for peers", slog.Int("port", listener.Port()))
	}

	coordinator.AddPeers(d.opts.Peers...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(ctx)
	})
	g.Go(func() error {
		d.trackProgress(ctx, coordinator, layout.Length, meta.Info.Name)
		if !d.opts.Seed {
			cancel()
		}
		return nil
	})
	err = g.Wait()

	stats := coordinator.Stats()
	d.log.Info("finished",
		slog.Bool("complete", store.Complete()),
		slog.String("downloaded", humanize.IBytes(uint64(stats.Downloaded))),
		slog.String("uploaded", humanize.IBytes(uint64(stats.Uploaded))))

	if err != nil {
		return err
	}
	if !store.Complete() {
		return errors.Wrap(context.Cause(ctx), "download interrupted")
	}
	return nil
}

// trackProgress renders the progress bar until the swarm completes or ctx
// ends.
func (d *downloader) trackProgress(ctx context.Context, coordinator *swarm.Coordinator, total int64, name string) {
	var bar *progressbar.ProgressBar
	if d.opts.ProgressOutput != nil {
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(d.opts.ProgressOutput),
			progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", name, humanize.IBytes(uint64(total)))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionFullWidth(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(d.opts.ProgressOutput, "\n")
			}),
		)
	}
	update := func() {
		if bar != nil {
			bar.Set64(int64(coordinator.Stats().Progress * float64(total)))
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			update()
			return
		case <-coordinator.Done():
			update()
			return
		case <-ticker.C:
			update()
		}
	}
}
