package logging

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Field names shared across components so log queries stay stable.
const (
	ComponentField    = "component"
	SubComponentField = "subcomponent"
)

type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.logger.WithField(ComponentField, component)
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// FileOutput mirrors log output into a rotated file under dir, sized so the
// rotation set stays within quotaBytes.
func FileOutput(dir string, quotaBytes int64) Setter {
	const backups = 3
	sizeMB := int(quotaBytes / (backups + 1) / (1 << 20))
	if sizeMB < 1 {
		sizeMB = 1
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "nodeagent.log"),
		MaxSize:    sizeMB,
		MaxBackups: backups,
		Compress:   true,
	}
	return func(r *logrus.Logger) error {
		r.SetOutput(io.MultiWriter(os.Stderr, sink))
		return nil
	}
}

// TrimDir deletes the oldest files in dir until the directory's total size
// fits quotaBytes. Files rotated out by earlier runs (or foreign log files
// dropped into the directory) are reclaimed this way on agent start.
func TrimDir(dir string, quotaBytes int64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type candidate struct {
		path string
		size int64
		mod  int64
	}
	var files []candidate
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
			mod:  info.ModTime().UnixNano(),
		})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })

	for _, f := range files {
		if total <= quotaBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			return err
		}
		total -= f.size
	}
	return nil
}
