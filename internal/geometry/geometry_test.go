package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRectContains(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 1920, Height: 1080}

	assert.True(t, r.Contains(Point{X: 0, Y: 0}))
	assert.True(t, r.Contains(Point{X: 1919, Y: 1079}))
	assert.False(t, r.Contains(Point{X: 1920, Y: 540}))
	assert.False(t, r.Contains(Point{X: 540, Y: 1080}))
	assert.False(t, r.Contains(Point{X: -1, Y: 0}))
}

func TestEdgesTouch(t *testing.T) {
	assert.True(t, EdgesTouch(1920, 1920))
	assert.True(t, EdgesTouch(1920, 1930))
	assert.True(t, EdgesTouch(1930, 1920))
	assert.False(t, EdgesTouch(1920, 1931))
}

func TestOverlap(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 1920, Height: 1080}
	b := Rect{X: 1920, Y: 0, Width: 1280, Height: 800}
	c := Rect{X: 1920, Y: 1080, Width: 1280, Height: 800}

	assert.True(t, VerticalOverlap(a, b))
	assert.False(t, VerticalOverlap(a, c))
	assert.False(t, HorizontalOverlap(a, b), "x ranges touch is not overlap")
}

func TestHorizontalOverlapDisjoint(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 100, Height: 100}
	b := Rect{X: 100, Y: 0, Width: 100, Height: 100}
	assert.False(t, HorizontalOverlap(a, b))
}

func TestClamp(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 1920, Height: 1080}

	assert.Equal(t, Point{X: 0, Y: 540}, r.Clamp(Point{X: -10, Y: 540}))
	assert.Equal(t, Point{X: 1919, Y: 540}, r.Clamp(Point{X: 5000, Y: 540}))
	assert.Equal(t, Point{X: 960, Y: 0}, r.Clamp(Point{X: 960, Y: -1}))
	assert.Equal(t, Point{X: 960, Y: 1079}, r.Clamp(Point{X: 960, Y: 2000}))
	assert.Equal(t, Point{X: 960, Y: 540}, r.Clamp(Point{X: 960, Y: 540}))
}

func TestEdgeAt(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 1920, Height: 1080}

	tests := []struct {
		name string
		p    Point
		want Side
	}{
		{"center", Point{X: 960, Y: 540}, SideNone},
		{"left edge", Point{X: 0, Y: 540}, SideLeft},
		{"right edge", Point{X: 1919, Y: 540}, SideRight},
		{"top edge", Point{X: 960, Y: 0}, SideTop},
		{"bottom edge", Point{X: 960, Y: 1079}, SideBottom},
		{"one pixel inside right", Point{X: 1918, Y: 540}, SideNone},
		{"one pixel inside left", Point{X: 1, Y: 540}, SideNone},
		{"corner resolves to left/right first", Point{X: 0, Y: 0}, SideLeft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.EdgeAt(tt.p))
		})
	}
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideRight, SideLeft.Opposite())
	assert.Equal(t, SideLeft, SideRight.Opposite())
	assert.Equal(t, SideBottom, SideTop.Opposite())
	assert.Equal(t, SideTop, SideBottom.Opposite())
	assert.Equal(t, SideNone, SideNone.Opposite())
}
