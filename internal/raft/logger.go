package raft

import (
	"fmt"
	"log/slog"
	"os"

	etcdraft "go.etcd.io/raft/v3"
)

// slogAdapter routes the consensus core's printf-style logging through slog.
type slogAdapter struct {
	l *slog.Logger
}

func newRaftLogger() etcdraft.Logger {
	return &slogAdapter{l: slog.Default().With("component", "raft")}
}

func (a *slogAdapter) Debug(v ...any)                 { a.l.Debug(fmt.Sprint(v...)) }
func (a *slogAdapter) Debugf(format string, v ...any) { a.l.Debug(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Info(v ...any)                  { a.l.Info(fmt.Sprint(v...)) }
func (a *slogAdapter) Infof(format string, v ...any)  { a.l.Info(fmt.Sprintf(format, v...)) }
func (a *slogAdapter) Warning(v ...any)               { a.l.Warn(fmt.Sprint(v...)) }
func (a *slogAdapter) Warningf(format string, v ...any) {
	a.l.Warn(fmt.Sprintf(format, v...))
}
func (a *slogAdapter) Error(v ...any)                 { a.l.Error(fmt.Sprint(v...)) }
func (a *slogAdapter) Errorf(format string, v ...any) { a.l.Error(fmt.Sprintf(format, v...)) }

func (a *slogAdapter) Fatal(v ...any) {
	a.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (a *slogAdapter) Fatalf(format string, v ...any) {
	a.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (a *slogAdapter) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	a.l.Error(msg)
	panic(msg)
}

func (a *slogAdapter) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	a.l.Error(msg)
	panic(msg)
}
