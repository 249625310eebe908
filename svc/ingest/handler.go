package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"sockpaste/metrics"
	"sockpaste/pkg/domain"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const readChunk = 32 * 1024

type Creator interface {
	Create(ctx context.Context, content []byte, origin string) (*domain.Paste, error)
	URL(id string) string
}

// Monitor is told whether each connection ended in a server-side failure.
type Monitor interface {
	Record(failed bool)
}

type Config struct {
	MaxBytes int
	// IdleTimeout bounds each read and the reply write.
	IdleTimeout time.Duration
	// TotalTimeout bounds the whole read phase; 0 disables it.
	TotalTimeout time.Duration
	TalkProxy    bool
}

// Handler runs the one-shot paste protocol: read until EOF, validate, commit,
// reply with one line, half-close.
type Handler struct {
	svc     Creator
	origins *util.OriginHasher
	cfg     Config
	printer *message.Printer
	monitor Monitor
}

func NewHandler(svc Creator, origins *util.OriginHasher, cfg Config) *Handler {
	return &Handler{
		svc:     svc,
		origins: origins,
		cfg:     cfg,
		printer: message.NewPrinter(language.English),
	}
}

func (h *Handler) SetMonitor(m Monitor) {
	h.monitor = m
}

// Handle serves one connection and closes it. The returned error is the
// classified outcome, nil when a paste was created.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) error {
	start := time.Now()
	connID := util.NewConnID()
	log := util.Conn(connID)
	ctx = util.SetRequestID(ctx, connID)
	defer conn.Close()

	err := h.serve(ctx, conn, &log, start)
	outcome := "created"
	serverFault := false
	if err != nil {
		outcome = strings.ToLower(domain.CodeOf(err))
		metrics.PasteRejected.WithLabelValues(outcome).Inc()
		ev := log.Info()
		if k := domain.KindOf(err); k == domain.KindStorage || k == domain.KindAllocation {
			serverFault = true
			ev = log.Error()
		}
		ev.Err(err).Str("outcome", outcome).Dur("took", time.Since(start)).Msg("ingest failed")
	}
	if h.monitor != nil {
		h.monitor.Record(serverFault)
	}
	metrics.IngestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

func (h *Handler) serve(ctx context.Context, conn net.Conn, log *zerolog.Logger, start time.Time) error {
	var overall time.Time
	if h.cfg.TotalTimeout > 0 {
		overall = start.Add(h.cfg.TotalTimeout)
	}
	br := bufio.NewReaderSize(conn, readChunk)
	origin := util.LocalOrigin
	if h.origins != nil {
		origin = h.origins.Origin(conn.RemoteAddr())
	}

	if h.cfg.TalkProxy {
		if err := conn.SetReadDeadline(h.readDeadline(overall)); err != nil {
			return errors.Wrap(domain.ErrAborted, err.Error())
		}
		src, err := readProxyHeader(br)
		if err != nil {
			return err
		}
		if src != nil && h.origins != nil {
			origin = h.origins.Origin(src)
		}
	}

	content, err := h.readBounded(conn, br, overall)
	closeRead(conn)
	if err != nil {
		if errors.Is(err, domain.ErrTooLarge) || errors.Is(err, domain.ErrTimeout) {
			h.reply(conn, log, domain.Reply(err))
		}
		return err
	}
	if len(content) == 0 {
		h.reply(conn, log, domain.Reply(domain.ErrEmpty))
		return domain.ErrEmpty
	}
	if !utf8.Valid(content) {
		h.reply(conn, log, domain.Reply(domain.ErrInvalidUTF8))
		return domain.ErrInvalidUTF8
	}

	paste, err := h.svc.Create(ctx, content, origin)
	if err != nil {
		h.reply(conn, log, domain.Reply(err))
		return err
	}
	line := h.svc.URL(paste.ID) + " | expires in " + util.FormatTTL(paste.Remaining(time.Now())) + "\n"
	h.reply(conn, log, line)
	log.Debug().Str("id", paste.ID).Int("size", paste.Size).Msg("ingest done")
	return nil
}

func (h *Handler) readDeadline(overall time.Time) time.Time {
	d := time.Now().Add(h.cfg.IdleTimeout)
	if !overall.IsZero() && overall.Before(d) {
		return overall
	}
	return d
}

// readBounded reads until EOF. It stops as soon as more than MaxBytes have
// arrived so an oversized upload is never buffered in full.
func (h *Handler) readBounded(conn net.Conn, r io.Reader, overall time.Time) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(h.readDeadline(overall)); err != nil {
			return nil, errors.Wrap(domain.ErrAborted, err.Error())
		}
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if buf.Len() > h.cfg.MaxBytes {
			return nil, domain.ErrTooLarge.WithMsg("Exceeded limit of %s KiB", h.printer.Sprintf("%d", h.cfg.MaxBytes/1024))
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			if isTimeout(err) {
				return nil, domain.ErrTimeout
			}
			return nil, errors.Wrap(domain.ErrAborted, err.Error())
		}
	}
}

func (h *Handler) reply(conn net.Conn, log *zerolog.Logger, line string) {
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.IdleTimeout)); err != nil {
		log.Debug().Err(err).Msg("set write deadline")
	}
	if _, err := io.WriteString(conn, line); err != nil {
		log.Debug().Err(err).Msg("reply not delivered")
		return
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			log.Debug().Err(err).Msg("half-close failed")
		}
	}
}

func closeRead(conn net.Conn) {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
