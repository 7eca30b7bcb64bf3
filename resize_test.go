package imgload_test

import (
	"image"
	"testing"

	"github.com/regorov/imgload"
)

func stillArtifact(w, h int) *imgload.Artifact {
	return &imgload.Artifact{
		Image:  image.NewRGBA(image.Rect(0, 0, w, h)),
		Format: "png",
		Width:  w,
		Height: h,
		Frames: 1,
	}
}

func TestScaleProcessorBoxes(t *testing.T) {

	var tbl = []struct {
		srcW, srcH int
		boxW, boxH int
		w, h       int
		skip       bool // Process reports nothing to do
	}{
		{100, 50, 50, 50, 50, 25, false},
		{100, 50, 50, 0, 50, 25, false},
		{100, 50, 0, 25, 50, 25, false},
		{50, 100, 50, 50, 25, 50, false},
		{100, 50, 33, 0, 33, 17, false},
		{1000, 10, 5, 0, 5, 1, false},
		{100, 50, 200, 200, 0, 0, true}, // never upscale
		{100, 50, 100, 50, 0, 0, true},  // already fits exactly
		{100, 50, 0, 0, 0, 0, true},     // no box requested
	}

	proc := imgload.NewScaleProcessor()
	for i := range tbl {
		out := proc.Process(stillArtifact(tbl[i].srcW, tbl[i].srcH),
			imgload.Request{TargetWidth: tbl[i].boxW, TargetHeight: tbl[i].boxH})

		if tbl[i].skip {
			if out != nil {
				t.Errorf("case %d failed. Got %dx%d, expected nothing to do", i, out.Width, out.Height)
			}
			continue
		}
		if out == nil {
			t.Errorf("case %d failed. Got nil, expected %dx%d", i, tbl[i].w, tbl[i].h)
			continue
		}
		if out.Width != tbl[i].w || out.Height != tbl[i].h {
			t.Errorf("case %d failed. Got %dx%d, expected %dx%d",
				i, out.Width, out.Height, tbl[i].w, tbl[i].h)
		}
		if b := out.Image.Bounds(); b.Dx() != tbl[i].w || b.Dy() != tbl[i].h {
			t.Errorf("case %d failed. Pixel bounds %v do not match %dx%d",
				i, b, tbl[i].w, tbl[i].h)
		}
		if out.Frames != 1 {
			t.Errorf("case %d failed. Frames: %d", i, out.Frames)
		}
	}
}

func TestFastScaleProcessorSameGeometry(t *testing.T) {

	req := imgload.Request{TargetWidth: 40, TargetHeight: 40}
	precise := imgload.NewScaleProcessor().Process(stillArtifact(80, 60), req)
	fast := imgload.NewFastScaleProcessor().Process(stillArtifact(80, 60), req)

	if precise == nil || fast == nil {
		t.Fatal("scaling skipped")
	}
	if precise.Width != fast.Width || precise.Height != fast.Height {
		t.Errorf("scalers disagree on geometry: %dx%d vs %dx%d",
			precise.Width, precise.Height, fast.Width, fast.Height)
	}
	if fast.Width != 40 || fast.Height != 30 {
		t.Errorf("got %dx%d, expected 40x30", fast.Width, fast.Height)
	}
}

func TestScaleProcessorWithoutPixels(t *testing.T) {

	proc := imgload.NewScaleProcessor()
	if out := proc.Process(&imgload.Artifact{Data: []byte("x")}, imgload.Request{TargetWidth: 10}); out != nil {
		t.Errorf("scaled an artifact without pixels: %+v", out)
	}
	if out := proc.Process(nil, imgload.Request{TargetWidth: 10}); out != nil {
		t.Errorf("scaled a nil artifact: %+v", out)
	}
}

func TestScaleProcessorEquivalent(t *testing.T) {

	var tbl = []struct {
		a, b   imgload.Request
		result bool
	}{
		{imgload.Request{TargetWidth: 10, TargetHeight: 20}, imgload.Request{TargetWidth: 10, TargetHeight: 20}, true},
		{imgload.Request{URL: "http://a", TargetWidth: 10}, imgload.Request{URL: "http://b", TargetWidth: 10}, true},
		{imgload.Request{TargetWidth: 10}, imgload.Request{TargetWidth: 20}, false},
		{imgload.Request{TargetHeight: 10}, imgload.Request{TargetWidth: 10}, false},
		{imgload.Request{}, imgload.Request{}, true},
	}

	proc := imgload.NewScaleProcessor()
	for i := range tbl {
		if res := proc.Equivalent(tbl[i].a, tbl[i].b); res != tbl[i].result {
			t.Errorf("case %d failed. Got: %t, expected: %t", i, res, tbl[i].result)
		}
	}
}
