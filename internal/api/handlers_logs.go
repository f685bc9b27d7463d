package api

import (
	"archive/zip"
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/config"
	"github.com/mescon/contentguardian/internal/logger"
)

const (
	logFileName    = "guardian.log"
	recentLogLines = 100
)

func (s *RESTServer) handleDownloadLogs(c *gin.Context) {
	c.Header("Content-Disposition", "attachment; filename=guardian_logs.zip")
	c.Header("Content-Type", "application/zip")

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	err := filepath.Walk(config.Get().LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		// .txt opens with a double click on Windows.
		baseName := filepath.Base(path)
		if strings.HasSuffix(baseName, ".log") {
			baseName = strings.TrimSuffix(baseName, ".log") + ".txt"
		}
		header.Name = baseName
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})

	if err != nil {
		logger.Errorf("Failed to zip logs: %v", err)
	}
}

// logLine is one parsed line of the log file.
type logLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// parseLogLine splits "2025-11-24T19:00:00Z [INFO] message". Lines that do
// not follow the format are skipped.
func parseLogLine(line string) (logLine, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "[") {
		return logLine{}, false
	}
	return logLine{
		Timestamp: parts[0],
		Level:     strings.Trim(parts[1], "[]"),
		Message:   parts[2],
	}, true
}

func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	file, err := os.Open(filepath.Join(config.Get().LogDir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, []logLine{})
			return
		}
		respondWithError(c, http.StatusInternalServerError, "Failed to read log file", err)
		return
	}
	defer file.Close()

	// Ring of the last recentLogLines lines.
	ring := make([]string, 0, recentLogLines)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(ring) == recentLogLines {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to scan log file", err)
		return
	}

	entries := make([]logLine, 0, len(ring))
	for _, line := range ring {
		if entry, ok := parseLogLine(line); ok {
			entries = append(entries, entry)
		}
	}
	c.JSON(http.StatusOK, entries)
}
