// Package logger пишет логи с префиксом сервиса через фоновую очередь,
// чтобы запись в лог никогда не блокировала обработку сообщений и событий.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 8192

// slowCall — порог, начиная с которого LogDuration пишет в лог на уровне info.
const slowCall = 100 * time.Millisecond

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelError
)

var (
	prefix  atomic.Value // string
	lvl     atomic.Int32
	out     = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	queue   chan string
	once    sync.Once
	dropped atomic.Uint64
)

func init() {
	lvl.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
}

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func start() {
	queue = make(chan string, queueSize)
	go func() {
		for msg := range queue {
			out.Print(msg)
		}
	}()
}

func enqueue(l level, msg string) {
	if l < level(lvl.Load()) {
		return
	}
	once.Do(start)
	select {
	case queue <- msg:
	default:
		// очередь переполнена: сообщение теряется, но вызывающий не ждёт
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс всех последующих записей (например "api").
func SetPrefix(p string) { prefix.Store(p) }

// SetLevel переключает уровень ("debug", "info", "error").
func SetLevel(s string) { lvl.Store(int32(parseLevel(s))) }

// SetOutput перенаправляет вывод (используется в тестах).
func SetOutput(w io.Writer) { out.SetOutput(w) }

// Dropped возвращает число записей, потерянных из-за переполнения очереди.
func Dropped() uint64 { return dropped.Load() }

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) {
	enqueue(levelDebug, tag()+"DEBUG: "+fmt.Sprintf(format, v...))
}

func Info(v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprintf(format, v...))
}

// LogDuration пишет имя функции и длительность в миллисекундах.
// На уровне debug пишется каждый вызов, иначе только вызовы дольше slowCall.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if level(lvl.Load()) == levelDebug || elapsed >= slowCall {
		enqueue(levelInfo, fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration: defer logger.DeferLogDuration("chat.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
