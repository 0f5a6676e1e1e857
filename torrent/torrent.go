package torrent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"tide/channel"
	"tide/file"
	"tide/helper"
	"tide/message"
	"tide/peer"
	"tide/storage"
	"tide/tracker"
)

// buffer sizes of the session channels; events is generous because
// every peer task feeds it
const (
	eventBuf = 256
	writeBuf = 16
	serveBuf = 64
)

type writeJob struct {
	index int
	buf   []byte
}

type writeResult struct {
	index int
	err   error
}

type serveJob struct {
	ch     *channel.Channel
	index  int
	begin  int
	length int
}

type serveKey struct {
	addr  string
	index int
	begin int
}

// Torrent is one download session: metainfo, storage, tracker client,
// swarm and scheduler wired together.
type Torrent struct {
	tf     *file.TorrentFile
	cfg    Config
	peerID [20]byte

	store *storage.Storage
	stats *tracker.Stats

	events       chan channel.Event
	writeJobs    chan writeJob
	writeResults chan writeResult
	serveJobs    chan serveJob
	candidates   chan []peer.Peer
	gone         chan string
	exhausted    chan struct{}

	cancelMu  sync.Mutex
	cancelled map[serveKey]bool

	activePeers atomic.Int32
	piecesDone  atomic.Int32

	bar *uiprogress.Bar
}

// New prepares a session; nothing runs until Run.
func New(tf *file.TorrentFile, cfg Config) *Torrent {
	return &Torrent{
		tf:           tf,
		cfg:          cfg,
		peerID:       helper.GeneratePeerID(),
		stats:        &tracker.Stats{},
		events:       make(chan channel.Event, eventBuf),
		writeJobs:    make(chan writeJob, writeBuf),
		writeResults: make(chan writeResult, writeBuf),
		serveJobs:    make(chan serveJob, serveBuf),
		candidates:   make(chan []peer.Peer, 16),
		gone:         make(chan string, 64),
		exhausted:    make(chan struct{}, 1),
		cancelled:    make(map[serveKey]bool),
	}
}

// Run downloads the torrent into cfg.DestDir and blocks until the
// download is complete, the session fails, or ctx is cancelled.
func (t *Torrent) Run(ctx context.Context) error {
	log := t.cfg.Log

	store, err := storage.New(t.tf, t.cfg.DestDir, log)
	if err != nil {
		return err
	}
	t.store = store
	defer store.Close()

	if err := store.Preallocate(); err != nil {
		return err
	}
	completed, err := store.ScanResume()
	if err != nil {
		return err
	}
	doneBytes := int64(0)
	it := completed.Iterator()
	for it.HasNext() {
		doneBytes += int64(t.tf.PieceSize(int(it.Next())))
	}
	t.stats.Left.Store(int64(t.tf.Length) - doneBytes)
	t.piecesDone.Store(int32(completed.GetCardinality()))
	if doneBytes > 0 {
		log.WithField("pieces", completed.GetCardinality()).Info("resume scan found verified pieces")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, port := t.listen(log)
	if ln != nil {
		defer ln.Close()
	}

	client := tracker.NewClient(t.tf, t.peerID, port, t.stats, log)
	completedSig := make(chan struct{})
	trackerDone := make(chan struct{})
	go func() {
		client.Run(ctx, t.candidates, completedSig, t.exhausted)
		close(trackerDone)
	}()

	sw := newSwarm(t)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(sw.run(gctx)) })
	g.Go(func() error { return ignoreCancel(t.writer(gctx)) })
	if ln != nil {
		g.Go(func() error { return ignoreCancel(sw.listen(gctx, ln)) })
	}

	if t.cfg.ShowProgress {
		t.startProgress()
		defer uiprogress.Stop()
	}

	sched := newScheduler(t, completed)
	schedErr := sched.run(gctx)

	if schedErr == nil {
		// give the tracker its completed + stopped announces before
		// tearing the session down
		close(completedSig)
		select {
		case <-trackerDone:
		case <-time.After(15 * time.Second):
		}
	}

	cancel()
	if err := g.Wait(); err != nil && schedErr == nil {
		log.WithError(err).Debug("session task failed during shutdown")
	}
	<-trackerDone

	if schedErr == nil {
		if err := store.Sync(); err != nil {
			return err
		}
	}
	return schedErr
}

// listen binds the first free port of the configured range. Running
// without a listener is allowed; we just cannot accept inbound peers.
func (t *Torrent) listen(log *logrus.Logger) (net.Listener, uint16) {
	for i := 0; i < t.cfg.PortRange; i++ {
		port := t.cfg.Port + uint16(i)
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
		if err == nil {
			return ln, port
		}
	}
	log.Warnf("ports %d-%d all taken, running without inbound peers", t.cfg.Port, int(t.cfg.Port)+t.cfg.PortRange-1)
	return nil, t.cfg.Port
}

// writer is the dedicated storage task: it lands verified pieces and
// serves upload reads so the scheduler never touches the disk.
func (t *Torrent) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case job := <-t.writeJobs:
			err := t.store.WritePiece(job.index, job.buf)
			select {
			case t.writeResults <- writeResult{index: job.index, err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case job := <-t.serveJobs:
			if t.takeCancel(job.ch.Addr, job.index, job.begin) {
				continue
			}
			block, err := t.store.ReadBlock(job.index, job.begin, job.length)
			if err != nil {
				t.cfg.Log.WithField("piece", job.index).WithError(err).Warn("upload read failed")
				continue
			}
			if job.ch.Send(message.CreatePieceMessage(job.index, job.begin, block)) {
				t.stats.Uploaded.Add(int64(len(block)))
			}
		}
	}
}

// enqueueServe drops the upload when the writer is saturated; the peer
// will simply re-request.
func (t *Torrent) enqueueServe(ch *channel.Channel, index, begin, length int) {
	select {
	case t.serveJobs <- serveJob{ch: ch, index: index, begin: begin, length: length}:
	default:
	}
}

func (t *Torrent) cancelServe(addr string, index, begin int) {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()
	if len(t.cancelled) < 1024 {
		t.cancelled[serveKey{addr: addr, index: index, begin: begin}] = true
	}
}

func (t *Torrent) takeCancel(addr string, index, begin int) bool {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()
	key := serveKey{addr: addr, index: index, begin: begin}
	if t.cancelled[key] {
		delete(t.cancelled, key)
		return true
	}
	return false
}

func (t *Torrent) notifyGone(addr string) {
	select {
	case t.gone <- addr:
	default:
	}
}

func (t *Torrent) pieceDone() {
	t.piecesDone.Inc()
	if t.bar != nil {
		t.bar.Incr()
	}
}

func (t *Torrent) intn(n int) int {
	return helper.Intn(n)
}

func (t *Torrent) startProgress() {
	uiprogress.Start()
	bar := uiprogress.AddBar(t.tf.NumPieces())
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(int(t.piecesDone.Load())) + "/" + strconv.Itoa(t.tf.NumPieces())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(int(t.activePeers.Load()))
	})
	bar.AppendElapsed()
	for i := int32(0); i < t.piecesDone.Load(); i++ {
		bar.Incr()
	}
	t.bar = bar
}

func ignoreCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
