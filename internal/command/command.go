// Package command builds the command lines of the external capture tools.
package command

import (
	"fmt"
	"strconv"

	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/process"
)

// DisplayEnv binds a child process to virtual display n.
func DisplayEnv(n int) string {
	return fmt.Sprintf("DISPLAY=:%d", n)
}

// Xvfb starts a virtual display server with a 24-bit screen of the given size.
func Xvfb(path string, display int, size model.ScreenSize) process.Spec {
	return process.Spec{
		Name:          fmt.Sprintf("xvfb:%d", display),
		Path:          path,
		Args:          []string{fmt.Sprintf(":%d", display), "-screen", "0", size.String() + "x24"},
		CaptureOutput: true,
	}
}

type Encoding struct {
	FrameRate int
	Preset    string
	Crf       int
}

// Ffmpeg records the display to an H.264 file with constant quality.
func Ffmpeg(path string, display int, size model.ScreenSize, enc Encoding, output string) process.Spec {
	return process.Spec{
		Name: fmt.Sprintf("ffmpeg:%d", display),
		Path: path,
		Args: []string{
			"-y",
			"-f", "x11grab",
			"-s", size.String(),
			"-i", fmt.Sprintf(":%d.0", display),
			"-r", strconv.Itoa(enc.FrameRate),
			"-c:v", "libx264",
			"-preset", enc.Preset,
			"-crf", strconv.Itoa(enc.Crf),
			"-pix_fmt", "yuv420p",
			output,
		},
		Env:           []string{DisplayEnv(display)},
		CaptureOutput: true,
	}
}

type ChromeOptions struct {
	Display    int
	Size       model.ScreenSize
	ProfileDir string
	UserAgent  string
	Proxy      string
}

// Chrome opens url in a visible browser window on the display, using its own profile.
func Chrome(path string, opts ChromeOptions, url string) process.Spec {
	args := []string{
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-gpu",
		"--no-sandbox",
		"--user-data-dir=" + opts.ProfileDir,
		"--window-position=0,0",
		fmt.Sprintf("--window-size=%d,%d", opts.Size.Width, opts.Size.Height),
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	if opts.Proxy != "" {
		args = append(args, "--proxy-server="+opts.Proxy)
	}
	args = append(args, url)

	return process.Spec{
		Name:          fmt.Sprintf("chrome:%d", opts.Display),
		Path:          path,
		Args:          args,
		Env:           []string{DisplayEnv(opts.Display)},
		CaptureOutput: true,
	}
}

// XdotoolFill stretches the visible browser window over the whole display.
func XdotoolFill(path string, display int) process.Spec {
	return process.Spec{
		Name: fmt.Sprintf("xdotool:%d", display),
		Path: path,
		Args: []string{"search", "--sync", "--onlyvisible", "--class", "chrome", "windowsize", "100%", "100%"},
		Env:  []string{DisplayEnv(display)},
	}
}
