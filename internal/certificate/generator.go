package certificate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"aileaders-bot/internal/models"

	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	canvasWidth  = 1200
	canvasHeight = 800

	dejaVuBold    = "/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf"
	dejaVuRegular = "/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf"
)

var (
	inkDark = color.RGBA{R: 0x00, G: 0x1b, B: 0x3b, A: 0xff}
	inkGrey = color.RGBA{R: 0x4a, G: 0x55, B: 0x68, A: 0xff}
)

// Generator renders claimed certificates to PNG files. It is invoked only
// after the claim has committed, never inside the ledger transaction.
type Generator struct {
	templatePath  string
	outputDir     string
	verifyBaseURL string

	titleFace font.Face
	nameFace  font.Face
	textFace  font.Face
}

func NewGenerator(templatePath, outputDir, verifyBaseURL string) (*Generator, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Generator{
		templatePath:  templatePath,
		outputDir:     outputDir,
		verifyBaseURL: verifyBaseURL,
		titleFace:     loadFace(dejaVuBold, 60),
		nameFace:      loadFace(dejaVuBold, 80),
		textFace:      loadFace(dejaVuRegular, 30),
	}, nil
}

// Generate composes the certificate image for an already-claimed user and
// returns the path of the saved PNG.
func (g *Generator) Generate(user *models.User, certificateID string) (string, error) {
	base := g.loadTemplate()
	bounds := base.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, base, bounds.Min, draw.Src)

	drawCentered(canvas, g.titleFace, "CERTIFICATE", 600, 150, inkDark)
	drawCentered(canvas, g.textFace, "This certificate is proudly presented to", 600, 350, inkGrey)
	drawCentered(canvas, g.nameFace, user.DisplayName(), 600, 430, inkDark)

	verifyURL := fmt.Sprintf("%s?id=%s", g.verifyBaseURL, certificateID)
	qrPNG, err := qrcode.Encode(verifyURL, qrcode.Medium, 128)
	if err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	qr, err := png.Decode(bytes.NewReader(qrPNG))
	if err != nil {
		return "", fmt.Errorf("failed to decode qr code: %w", err)
	}
	qb := qr.Bounds()
	draw.Draw(canvas, image.Rect(50, 50, 50+qb.Dx(), 50+qb.Dy()), qr, qb.Min, draw.Src)

	outputPath := filepath.Join(g.outputDir, certificateID+".png")
	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer out.Close()

	if err := png.Encode(out, canvas); err != nil {
		return "", fmt.Errorf("failed to save certificate: %w", err)
	}
	return outputPath, nil
}

// loadTemplate falls back to a plain background when the template PNG is
// missing or unreadable.
func (g *Generator) loadTemplate() image.Image {
	f, err := os.Open(g.templatePath)
	if err != nil {
		return plainBackground()
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return plainBackground()
	}
	return img
}

func plainBackground() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, canvasWidth, canvasHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func drawCentered(dst *image.RGBA, face font.Face, text string, cx, cy int, col color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
	}
	width := d.MeasureString(text)
	d.Dot = fixed.Point26_6{X: fixed.I(cx) - width/2, Y: fixed.I(cy)}
	d.DrawString(text)
}

// loadFace degrades to the built-in bitmap face when the TTF is not
// installed, same as running without the system font package.
func loadFace(path string, size float64) font.Face {
	data, err := os.ReadFile(path)
	if err != nil {
		return basicfont.Face7x13
	}
	ft, err := opentype.Parse(data)
	if err != nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(ft, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}
