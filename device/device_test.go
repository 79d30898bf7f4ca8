package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFrameButtonEmitsScanAndKey(t *testing.T) {
	frame := BuildFrame([]InputEvent{{Key: BtnSouth, State: 1}})
	assert.Equal(t, []RawEvent{
		{evMsc, mscScan, scanCodeBase + BtnSouth},
		{evKey, keyCodeBase + BtnSouth, 1},
		{evSyn, 0, 0},
	}, frame)
}

func TestBuildFrameButtonReleaseIsZero(t *testing.T) {
	frame := BuildFrame([]InputEvent{{Key: BtnNorth, State: 0}})
	assert.Equal(t, int32(0), frame[1].Value)
}

func TestBuildFrameExplicitAxisClampsToRange(t *testing.T) {
	frame := BuildFrame([]InputEvent{{Key: AbsX, State: 400}})
	assert.Equal(t, []RawEvent{{evAbs, absXCode, 255}, {evSyn, 0, 0}}, frame)

	frame = BuildFrame([]InputEvent{{Key: AbsY, State: -5}})
	assert.Equal(t, []RawEvent{{evAbs, absYCode, 0}, {evSyn, 0, 0}}, frame)
}

func TestBuildFrameDPadFoldsIntoAxisWhenNotForced(t *testing.T) {
	// UP pressed alone folds Y to 0.
	frame := BuildFrame([]InputEvent{{Key: BtnUp, State: 1}})
	assert.Equal(t, []RawEvent{{evAbs, absYCode, 0}, {evSyn, 0, 0}}, frame)

	// UP released folds Y to neutral 127.
	frame = BuildFrame([]InputEvent{{Key: BtnUp, State: 0}})
	assert.Equal(t, []RawEvent{{evAbs, absYCode, 127}, {evSyn, 0, 0}}, frame)

	// LEFT pressed folds X to 0, RIGHT pressed in the same frame folds
	// X to 255: two distinct non-neutral values means the fallback is
	// neutral (127), per spec.md §6.3.
	frame = BuildFrame([]InputEvent{{Key: BtnLeft, State: 1}, {Key: BtnRight, State: 1}})
	assert.Equal(t, []RawEvent{{evAbs, absXCode, 127}, {evSyn, 0, 0}}, frame)
}

func TestBuildFrameExplicitAxisOverridesDPadFold(t *testing.T) {
	frame := BuildFrame([]InputEvent{
		{Key: BtnLeft, State: 1},
		{Key: AbsX, State: 200},
	})
	// Only the explicit ABS_X is emitted; the D-Pad-derived fold is
	// suppressed because ABS_X was explicitly present in the frame.
	assert.Equal(t, []RawEvent{{evAbs, absXCode, 200}, {evSyn, 0, 0}}, frame)
}

func TestBuildFrameMixedButtonsAndAxesPreserveOrder(t *testing.T) {
	frame := BuildFrame([]InputEvent{
		{Key: BtnSouth, State: 1},
		{Key: AbsRX, State: 50},
		{Key: BtnDown, State: 1},
	})
	assert.Equal(t, []RawEvent{
		{evMsc, mscScan, scanCodeBase + BtnSouth},
		{evKey, keyCodeBase + BtnSouth, 1},
		{evAbs, absRXCode, 50},
		{evAbs, absYCode, 255}, // DOWN pressed folds Y to 255, emitted after the loop
		{evSyn, 0, 0},
	}, frame)
}

func TestNeutralFrameReleasesButtonsAndCentersAxes(t *testing.T) {
	frame := NeutralFrame()
	// 10 buttons * 2 events (scan+key) + 4 axes + 1 sync.
	assert.Len(t, frame, 10*2+4+1)
	assert.Equal(t, RawEvent{evAbs, absXCode, 127}, frame[20])
	assert.Equal(t, RawEvent{evAbs, absYCode, 127}, frame[21])
	assert.Equal(t, RawEvent{evAbs, absRXCode, 127}, frame[22])
	assert.Equal(t, RawEvent{evAbs, absRYCode, 127}, frame[23])
	assert.Equal(t, RawEvent{evSyn, 0, 0}, frame[24])
}

func TestFakeDeviceRecordsFrames(t *testing.T) {
	d := &FakeDevice{Name: "Hawa-VirtualPad-0"}
	assert.NoError(t, d.Emit([]InputEvent{{Key: BtnSouth, State: 1}}))
	assert.NotNil(t, d.LastFrame())
	assert.NoError(t, d.EmitNeutral())
	assert.Len(t, d.Frames, 2)
	assert.NoError(t, d.Close())
	assert.True(t, d.Closed)
}

func TestRetryingFactoryRetriesTransientFailures(t *testing.T) {
	inner := &FakeFactory{FailNext: 2}
	f := NewRetryingFactory(inner, nil)
	dev, err := f.Create("Hawa-VirtualPad-0")
	assert.NoError(t, err)
	assert.NotNil(t, dev)
	assert.Len(t, inner.Created, 1)
}
