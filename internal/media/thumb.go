package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"

	ffmpeg_go "github.com/u2takey/ffmpeg-go"
)

// ErrFFmpegUnavailable is returned when no ffmpeg binary is on PATH
var ErrFFmpegUnavailable = errors.New("ffmpeg not found")

// Thumbnailer renders JPEG previews of videos
type Thumbnailer struct {
	Width int
	Frame int
}

// VideoThumbnail generates a thumbnail image from a video at the configured frame
func (t Thumbnailer) VideoThumbnail(content []byte) ([]byte, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, ErrFFmpegUnavailable
	}
	width := t.Width
	if width <= 0 {
		width = 320
	}

	inputReader, inputWriter := io.Pipe()
	outputReader, outputWriter := io.Pipe()

	go func() {
		_, err := inputWriter.Write(content)
		inputWriter.CloseWithError(err)
	}()

	var stderr bytes.Buffer
	go func() {
		err := ffmpeg_go.Input("pipe:0").
			Filter("scale", ffmpeg_go.Args{fmt.Sprintf("%d:-1", width)}).
			Filter("select", ffmpeg_go.Args{fmt.Sprintf("gte(n,%d)", t.Frame)}).
			Output("pipe:", ffmpeg_go.KwArgs{"vframes": 1, "format": "image2", "vcodec": "mjpeg"}).
			WithInput(inputReader).
			WithOutput(outputWriter).
			WithErrorOutput(&stderr).
			OverWriteOutput().
			Run()
		// unblock the writer if ffmpeg exited early
		inputReader.Close()
		if err != nil {
			err = fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		outputWriter.CloseWithError(err)
	}()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(outputReader); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errors.New("no thumbnail data returned")
	}
	return buf.Bytes(), nil
}
