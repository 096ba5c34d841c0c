package mock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// LogWriter appends fake game log lines to a file on an interval,
// simulating a running server's log pipe.
type LogWriter struct {
	path     string
	interval time.Duration
	log      pslog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	seq  int
}

func NewLogWriter(path string, interval time.Duration, log pslog.Logger) *LogWriter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &LogWriter{
		path:     path,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (w *LogWriter) Start() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.wg.Add(1)
	go w.run(f)
	w.log.Info("mock log writer started", "path", w.path)
	return nil
}

func (w *LogWriter) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wg.Wait()
}

func (w *LogWriter) run(f *os.File) {
	defer w.wg.Done()
	defer f.Close()

	templates := []string{
		"[INFO] Ticking world, %d entities loaded",
		"[INFO] Chunk saved at region (%d, 4)",
		"[DEBUG] Network tick took %dms",
		"[INFO] Player heartbeat ok (%d players)",
		"[WARN] GC pause %dms",
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.seq++
			tmpl := templates[w.seq%len(templates)]
			line := fmt.Sprintf("%s %s\n",
				time.Now().Format("2006-01-02 15:04:05"),
				fmt.Sprintf(tmpl, rand.Intn(200)+1))
			if _, err := f.WriteString(line); err != nil {
				w.log.Warn("mock log write failed", "err", err)
				return
			}
		case <-w.stop:
			return
		}
	}
}
