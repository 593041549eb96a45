// Package common provides shared constants, types, and utilities
// used across the WARP Manager application.
package common

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AppLogger is a structured logger for the application.
// Supports file logging with automatic rotation based on size.
type AppLogger struct {
	mu      sync.Mutex
	level   LogLevel
	logger  *log.Logger
	output  io.Writer
	file    *rotatingFile
	console bool
}

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level       LogLevel
	EnableFile  bool
	Dir         string // defaults to GetLogDir()
	MaxFileSize int64  // in bytes, default 5MB
	MaxBackups  int    // number of rotated files to keep, default 5
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultMaxFileSize = 5 * 1024 * 1024 // 5MB
	defaultMaxBackups  = 5
)

// isSymlink checks if a path is a symbolic link.
// Returns false if path doesn't exist (safe to create).
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// GetLogger returns the singleton logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = &AppLogger{
			level:   LevelInfo,
			output:  os.Stdout,
			logger:  log.New(os.Stdout, "", 0),
			console: true,
		}
	})
	return defaultLogger
}

// InitLogger initializes the logger with custom configuration.
// Should be called early in application startup.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.SetLevel(config.Level)

	if !config.EnableFile {
		return nil
	}

	dir := config.Dir
	if dir == "" {
		dir = GetLogDir()
	}
	file, err := openRotatingFile(filepath.Join(dir, LogFileName), config.MaxFileSize, config.MaxBackups)
	if err != nil {
		return err
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	logger.output = file
	if logger.console {
		logger.output = io.MultiWriter(os.Stdout, file)
	}
	logger.logger = log.New(logger.output, "", 0)
	return nil
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the log output destination.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.logger = log.New(w, "", 0)
}

// SetConsole toggles echoing log lines to stdout. File output, when
// enabled, is unaffected.
func (l *AppLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = enabled
	var w io.Writer = io.Discard
	switch {
	case enabled && l.file != nil:
		w = io.MultiWriter(os.Stdout, l.file)
	case enabled:
		w = os.Stdout
	case l.file != nil:
		w = l.file
	}
	l.output = w
	l.logger = log.New(w, "", 0)
}

// Console reports whether log lines are echoed to stdout.
func (l *AppLogger) Console() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.console
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", ConfigDirName, "logs")
}

// log writes a formatted log message.
func (l *AppLogger) log(level LogLevel, msg string, args ...interface{}) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	caller := "???"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	timestamp := time.Now().Format("2006/01/02 15:04:05")
	formattedMsg := msg
	if len(args) > 0 {
		formattedMsg = fmt.Sprintf(msg, args...)
	}

	logLine := fmt.Sprintf("%s [%s] %s: %s", timestamp, level.String(), caller, formattedMsg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(logLine)
	if l.file != nil {
		l.file.rotateIfNeeded()
	}
}

// Debug logs a debug message.
func (l *AppLogger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an informational message.
func (l *AppLogger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *AppLogger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *AppLogger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

// Shorthand functions for default logger.

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...interface{}) {
	GetLogger().Debug(msg, args...)
}

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...interface{}) {
	GetLogger().Info(msg, args...)
}

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...interface{}) {
	GetLogger().Warn(msg, args...)
}

// LogError logs an error message to the default logger.
func LogError(msg string, args ...interface{}) {
	GetLogger().Error(msg, args...)
}

// Close closes the log file. Should be called on application shutdown.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.output = os.Stdout
	l.logger = log.New(os.Stdout, "", 0)
	return err
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}

// RawLogger writes tunnel process output verbatim, one line per call,
// without timestamps or level tags. The backing file is rotated at the
// start of every session so each log holds exactly one connection.
type RawLogger struct {
	mu      sync.Mutex
	file    *rotatingFile
	echo    io.Writer
	enabled bool
}

// NewRawLogger opens (or creates) path for raw process output.
// When echo is non-nil every line is also written there.
func NewRawLogger(path string, echo io.Writer) (*RawLogger, error) {
	file, err := openRotatingFile(path, defaultMaxFileSize, defaultMaxBackups)
	if err != nil {
		return nil, err
	}
	return &RawLogger{file: file, echo: echo, enabled: true}, nil
}

// Path returns the file the logger writes to.
func (r *RawLogger) Path() string {
	return r.file.path
}

// SetEnabled toggles writing. Disabled loggers drop lines silently.
func (r *RawLogger) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Line writes one line of process output.
func (r *RawLogger) Line(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	fmt.Fprintln(r.file, text)
	if r.echo != nil {
		fmt.Fprintln(r.echo, text)
	}
}

// RotateNow moves the current file aside, regardless of its size.
func (r *RawLogger) RotateNow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.rotate()
}

// Close closes the underlying file.
func (r *RawLogger) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// rotatingFile is an append-only log file that is gzip-rotated once it
// grows past maxFileSize. It is not safe for concurrent use; callers hold
// their own lock.
type rotatingFile struct {
	path        string
	file        *os.File
	maxFileSize int64
	maxBackups  int
}

func openRotatingFile(path string, maxFileSize int64, maxBackups int) (*rotatingFile, error) {
	dir := filepath.Dir(path)
	// Security: refuse symlinked log locations
	if isSymlink(dir) {
		return nil, fmt.Errorf("security error: log directory is a symlink")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if isSymlink(path) {
		return nil, fmt.Errorf("security error: log file is a symlink")
	}

	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	rf := &rotatingFile{path: path, maxFileSize: maxFileSize, maxBackups: maxBackups}
	rf.rotateIfNeeded()
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	rf.file = file
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	if rf.file == nil {
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	return rf.file.Write(p)
}

func (rf *rotatingFile) Close() error {
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// rotateIfNeeded rotates the file when it is larger than maxFileSize.
func (rf *rotatingFile) rotateIfNeeded() {
	info, err := os.Stat(rf.path)
	if err != nil || info.Size() < rf.maxFileSize {
		return
	}
	if err := rf.rotate(); err != nil {
		fmt.Fprintf(os.Stderr, "log rotation failed for %s: %v\n", rf.path, err)
	}
}

// rotate compresses the current file into a timestamped backup and
// removes backups beyond maxBackups. An empty or missing file is left alone.
func (rf *rotatingFile) rotate() error {
	reopen := rf.file != nil
	rf.Close()

	info, err := os.Stat(rf.path)
	if err == nil && info.Size() > 0 {
		timestamp := time.Now().Format("20060102-150405.000")
		rotatedPath := fmt.Sprintf("%s.%s.gz", rf.path, timestamp)
		if err := compressFile(rf.path, rotatedPath); err != nil {
			// Fall back to a plain rename
			if err := os.Rename(rf.path, strings.TrimSuffix(rotatedPath, ".gz")); err != nil {
				return err
			}
		} else {
			os.Remove(rf.path)
		}
		cleanupOldBackups(rf.path, rf.maxBackups)
	}

	if reopen {
		return rf.open()
	}
	return nil
}

// compressFile compresses a file using gzip.
func compressFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzWriter := gzip.NewWriter(dstFile)
	defer gzWriter.Close()

	_, err = io.Copy(gzWriter, srcFile)
	return err
}

// cleanupOldBackups removes the oldest backups of path beyond maxBackups.
func cleanupOldBackups(path string, maxBackups int) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil || len(matches) <= maxBackups {
		return
	}

	// Oldest first
	sort.Slice(matches, func(i, j int) bool {
		infoI, _ := os.Stat(matches[i])
		infoJ, _ := os.Stat(matches[j])
		if infoI == nil || infoJ == nil {
			return false
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})

	for _, m := range matches[:len(matches)-maxBackups] {
		os.Remove(m)
	}
}
