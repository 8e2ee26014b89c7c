package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/scanlab/scan-service/detections"
	"github.com/scanlab/scan-service/models"
)

type fakeInferer struct {
	dets  []models.Detection
	err   error
	calls int
	got   image.Rectangle
}

func (f *fakeInferer) InferTimed(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	f.calls++
	f.got = img.Bounds()
	return f.dets, f.err
}

func newTestState(t *testing.T, inf inferer) *AppState {
	state := &AppState{
		Detector:       inf,
		Logger:         zaptest.NewLogger(t).Sugar(),
		MaxUploadBytes: 1 << 20,
	}
	state.ready.Store(true)
	return state
}

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename == "" {
		test.That(t, mw.WriteField(field, string(data)), test.ShouldBeNil)
	} else {
		fw, err := mw.CreateFormFile(field, filename)
		test.That(t, err, test.ShouldBeNil)
		_, err = fw.Write(data)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, mw.Close(), test.ShouldBeNil)
	return &body, mw.FormDataContentType()
}

func doScan(state *AppState, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/scan", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handleScan(state).ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	var resp ErrorResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &resp), test.ShouldBeNil)
	return resp
}

func TestScanMultipart(t *testing.T) {
	inf := &fakeInferer{dets: []models.Detection{
		{X: 270, Y: 270, Width: 100, Height: 100, Probability: 0.9, Classification: "Normal"},
	}}
	body, ct := multipartBody(t, "image", "scan.png", pngBytes(t, 800, 600))

	rec := doScan(newTestState(t, inf), body, ct)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "application/json")
	test.That(t, rec.Header().Get("X-Request-ID"), test.ShouldNotBeEmpty)
	test.That(t, inf.got, test.ShouldResemble, image.Rect(0, 0, 640, 640))

	var dets []models.Detection
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &dets), test.ShouldBeNil)
	test.That(t, dets, test.ShouldResemble, inf.dets)
}

func TestScanSkipsNonFileParts(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	test.That(t, mw.WriteField("note", "left eye"), test.ShouldBeNil)
	fw, err := mw.CreateFormFile("file", "scan.png")
	test.That(t, err, test.ShouldBeNil)
	_, err = fw.Write(pngBytes(t, 64, 64))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	inf := &fakeInferer{dets: []models.Detection{}}
	rec := doScan(newTestState(t, inf), &body, mw.FormDataContentType())
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, inf.calls, test.ShouldEqual, 1)
}

func TestScanEmptyResultIsEmptyArray(t *testing.T) {
	body, ct := multipartBody(t, "image", "scan.png", pngBytes(t, 32, 32))
	rec := doScan(newTestState(t, &fakeInferer{dets: []models.Detection{}}), body, ct)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, strings.TrimSpace(rec.Body.String()), test.ShouldEqual, "[]")
}

func TestScanJSONAndRawBodies(t *testing.T) {
	data := pngBytes(t, 100, 200)
	encoded := base64.StdEncoding.EncodeToString(data)

	for _, tc := range []struct {
		name        string
		body        string
		contentType string
	}{
		{"json", `{"image":"` + encoded + `"}`, "application/json"},
		{"json charset", `{"image":"` + encoded + `"}`, "application/json; charset=utf-8"},
		{"data url", `{"image":"data:image/png;base64,` + encoded + `"}`, "application/json"},
		{"raw", string(data), "image/png"},
		{"raw untyped", string(data), ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			inf := &fakeInferer{dets: []models.Detection{}}
			rec := doScan(newTestState(t, inf), bytes.NewBufferString(tc.body), tc.contentType)
			test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
			test.That(t, inf.calls, test.ShouldEqual, 1)
			test.That(t, inf.got, test.ShouldResemble, image.Rect(0, 0, 640, 640))
		})
	}
}

func TestScanWithoutFile(t *testing.T) {
	body, ct := multipartBody(t, "note", "", []byte("no image here"))
	inf := &fakeInferer{}
	rec := doScan(newTestState(t, inf), body, ct)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotAcceptable)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "no_file")
	test.That(t, inf.calls, test.ShouldEqual, 0)

	rec = doScan(newTestState(t, inf), &bytes.Buffer{}, "")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotAcceptable)

	rec = doScan(newTestState(t, inf), bytes.NewBufferString(`{}`), "application/json")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotAcceptable)
}

func TestScanBadRequests(t *testing.T) {
	inf := &fakeInferer{}

	rec := doScan(newTestState(t, inf), bytes.NewBufferString("not an image"), "application/octet-stream")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_image")

	rec = doScan(newTestState(t, inf), bytes.NewBufferString(`{"image":`), "application/json")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_request")

	rec = doScan(newTestState(t, inf), bytes.NewBufferString(`{"image":"***"}`), "application/json")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)

	test.That(t, inf.calls, test.ShouldEqual, 0)
}

func TestScanTooLarge(t *testing.T) {
	state := newTestState(t, &fakeInferer{})
	state.MaxUploadBytes = 16
	rec := doScan(state, bytes.NewBuffer(pngBytes(t, 64, 64)), "image/png")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusRequestEntityTooLarge)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "too_large")
}

func TestScanInferenceFailures(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   string
	}{
		{&detections.ProcessingError{Stage: "inference", Cause: io.ErrUnexpectedEOF}, http.StatusInternalServerError, "inference_error"},
		{detections.ErrClosed, http.StatusServiceUnavailable, "unavailable"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "unavailable"},
	} {
		body, ct := multipartBody(t, "image", "scan.png", pngBytes(t, 32, 32))
		rec := doScan(newTestState(t, &fakeInferer{err: tc.err}), body, ct)
		test.That(t, rec.Code, test.ShouldEqual, tc.status)
		test.That(t, decodeError(t, rec).Code, test.ShouldEqual, tc.code)
	}
}

func TestSquareInputCropsCenter(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 800, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			c := color.NRGBA{B: 255, A: 255}
			if x < 100 || x >= 700 {
				c = color.NRGBA{R: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	out := squareInput(img)
	test.That(t, out.Bounds(), test.ShouldResemble, image.Rect(0, 0, 640, 640))
	for _, p := range []image.Point{{0, 0}, {320, 320}, {639, 639}, {0, 639}} {
		c := out.NRGBAAt(p.X, p.Y)
		test.That(t, c.R, test.ShouldBeLessThan, uint8(5))
		test.That(t, c.B, test.ShouldBeGreaterThan, uint8(250))
	}
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	state := newTestState(t, &fakeInferer{dets: []models.Detection{}})
	state.ready.Store(false)
	handler := newRouter(state, reg, []string{"*"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)

	state.ready.Store(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"ok"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "scan_test_total 1")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusMethodNotAllowed)

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader(pngBytes(t, 16, 16)))
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}
