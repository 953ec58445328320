package memory

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adwski/lan-conference/backend/model"
)

var (
	ErrFileNotFound = errors.New("file is not found")
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrStoreFull    = errors.New("file store is full")
)

type blob struct {
	info model.FileInfo
	data []byte
}

// FileStore keeps uploaded files in memory for the lifetime of the process.
// Stored bytes are never modified, so concurrent readers share them.
type FileStore struct {
	mx       *sync.RWMutex
	db       map[string]*blob
	total    int64
	maxFile  int64
	maxTotal int64
}

// NewFileStore creates a store; zero limits disable the corresponding check.
func NewFileStore(maxFile, maxTotal int64) *FileStore {
	return &FileStore{
		mx:       &sync.RWMutex{},
		db:       make(map[string]*blob),
		maxFile:  maxFile,
		maxTotal: maxTotal,
	}
}

// Put stores data under filename, replacing any previous upload with that name.
func (fs *FileStore) Put(filename, uploadedBy string, data []byte) (model.FileInfo, error) {
	size := int64(len(data))
	if fs.maxFile > 0 && size > fs.maxFile {
		return model.FileInfo{}, ErrFileTooLarge
	}

	fs.mx.Lock()
	defer fs.mx.Unlock()

	total := fs.total + size
	if prev, ok := fs.db[filename]; ok {
		total -= prev.info.Size
	}
	if fs.maxTotal > 0 && total > fs.maxTotal {
		return model.FileInfo{}, ErrStoreFull
	}

	b := &blob{
		info: model.FileInfo{
			Filename:   filename,
			Size:       size,
			UploadedBy: uploadedBy,
			UploadedAt: time.Now(),
		},
		data: data,
	}
	fs.db[filename] = b
	fs.total = total
	return b.info, nil
}

// Get returns the stored bytes. Callers must not modify them.
func (fs *FileStore) Get(filename string) (model.FileInfo, []byte, error) {
	fs.mx.RLock()
	defer fs.mx.RUnlock()

	b, ok := fs.db[filename]
	if !ok {
		return model.FileInfo{}, nil, ErrFileNotFound
	}
	return b.info, b.data, nil
}

func (fs *FileStore) List() []model.FileInfo {
	fs.mx.RLock()
	files := make([]model.FileInfo, 0, len(fs.db))
	for _, b := range fs.db {
		files = append(files, b.info)
	}
	fs.mx.RUnlock()

	slices.SortFunc(files, func(a, b model.FileInfo) int {
		return strings.Compare(a.Filename, b.Filename)
	})
	return files
}

// Size is the total number of stored bytes.
func (fs *FileStore) Size() int64 {
	fs.mx.RLock()
	defer fs.mx.RUnlock()
	return fs.total
}
