// Helpers shared by package tests: throwaway encrypted databases and a clock which can be moved forward.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/config"
	db "github.com/meow-io/go-inbox/internal/db"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func newID() [8]byte {
	var id [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}
		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
			continue
		}
		if err := os.Remove(f); err != nil {
			panic(err)
		}
	}
}

// Use from TestMain: os.Exit(test.DBCleanup(m.Run))
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	DeleteAll("out.log*")
	return c
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", id[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}

// A clock pinned to the wall clock plus an offset which tests can advance.
type Clock struct {
	lock   sync.Mutex
	offset time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

func (tc *Clock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return time.Now().Add(tc.offset)
}

func (tc *Clock) CurrentTimeMs() uint64 {
	return uint64(tc.Now().UnixMilli())
}

func (tc *Clock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.offset += d
}
