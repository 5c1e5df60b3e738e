package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
)

// maxMediaBytes bounds photo and voice downloads.
const maxMediaBytes = 20 * 1024 * 1024

// maxImageEdge is the largest dimension passed to the agent; bigger photos
// are downscaled to keep the vision payload small.
const maxImageEdge = 1568

// handlePhoto downloads the largest size, passes it as a base64 image block
// with the caption, and removes the tempfile after the turn.
func (o *Orchestrator) handlePhoto(ctx context.Context, chatID int64, msg *telego.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]
	path, err := o.msgr.DownloadFile(ctx, photo.FileID, maxMediaBytes)
	if err != nil {
		return fmt.Errorf("download photo: %w", err)
	}
	mt, encoded, err := encodePhoto(path)
	if err != nil {
		os.Remove(path)
		return err
	}

	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		caption = "Look at this image."
	}
	blocks := []agent.Block{
		agent.ImageBlock(mt, encoded),
		agent.TextBlock(caption),
	}
	return o.submitPrompt(ctx, chatID, &turn{
		blocks:  blocks,
		replyTo: msg.MessageID,
		cleanup: []string{path},
	})
}

// encodePhoto base64-encodes the image, downscaling oversized ones.
// Undecodable files pass through untouched.
func encodePhoto(path string) (mt, encoded string, err error) {
	if img, openErr := imaging.Open(path); openErr == nil {
		if b := img.Bounds(); b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
			img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
				return "", "", fmt.Errorf("encode image: %w", err)
			}
			return "image/jpeg", base64.StdEncoding.EncodeToString(buf.Bytes()), nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read photo: %w", err)
	}
	return mediaType(path), base64.StdEncoding.EncodeToString(data), nil
}

func mediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// handleVoice transcribes a voice clip with the local whisper binary. A
// missing transcriber is a user-visible rejection, not a silent drop.
func (o *Orchestrator) handleVoice(ctx context.Context, chatID int64, msg *telego.Message) error {
	modelPath := filepath.Join(o.cfg.Dir, "whisper", "ggml-small.bin")
	binPath, lookErr := exec.LookPath("whisper-cli")
	if _, err := os.Stat(modelPath); err != nil || lookErr != nil {
		return fmt.Errorf("voice input needs the whisper transcriber installed on the host")
	}

	path, err := o.msgr.DownloadFile(ctx, msg.Voice.FileID, maxMediaBytes)
	if err != nil {
		return fmt.Errorf("download voice clip: %w", err)
	}
	defer os.Remove(path)

	text, err := transcribe(ctx, binPath, modelPath, path)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	if text == "" {
		return fmt.Errorf("could not make out any speech in that clip")
	}
	return o.submitPrompt(ctx, chatID, &turn{
		blocks:  []agent.Block{agent.TextBlock(text)},
		replyTo: msg.MessageID,
	})
}

func transcribe(ctx context.Context, bin, model, audio string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "-m", model, "-f", audio, "--no-prints", "--no-timestamps").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
