package khinsider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func TestSite_SystemURL(t *testing.T) {
	s := Site{}
	if got := s.SystemURL("nes"); got != "https://www.khinsider.com/midi/nes" {
		t.Fatalf("默认 base 拼接不符合预期：%q", got)
	}
	s = Site{BaseURL: "https://mirror.test/midi/"}
	if got := s.SystemURL("game boy"); got != "https://mirror.test/midi/game%20boy" {
		t.Fatalf("base 去尾斜杠 + 路径转义不符合预期：%q", got)
	}
}

func TestSite_FetchSystemPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/midi/nes" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "<html>ok</html>")
	}))
	defer srv.Close()

	s := Site{BaseURL: srv.URL + "/midi"}
	sys := s.System("nes")
	if sys.Name != "nes" || sys.URL != srv.URL+"/midi/nes" {
		t.Fatalf("System 绑定不符合预期：%+v", sys)
	}

	b, pageURL, err := s.FetchSystemPage(context.Background(), srv.Client(), sys)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if pageURL != sys.URL {
		t.Fatalf("pageURL 不符合预期：%q", pageURL)
	}
	if string(b) != "<html>ok</html>" {
		t.Fatalf("页面内容不符合预期：%q", b)
	}

	if _, _, err := s.FetchSystemPage(context.Background(), srv.Client(), s.System("  ")); err == nil {
		t.Fatalf("空 system 应报错")
	}
}

func TestSite_FetchGamePage_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := Site{}
	_, err := s.FetchGamePage(context.Background(), srv.Client(), srv.URL+"/midi/nes/gone")
	if !IsNotFound(err) {
		t.Fatalf("404 应判定为 IsNotFound，实际 %v", err)
	}
}

func TestSite_FetchGamePage_CloudflareBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_, _ = io.WriteString(w, `<html><title>Just a moment...</title><div id="challenge-platform"></div></html>`)
	}))
	defer srv.Close()

	s := Site{}
	_, err := s.FetchGamePage(context.Background(), srv.Client(), srv.URL+"/midi/nes/zelda")
	if !IsBlocked(err) {
		t.Fatalf("验证页应判定为 IsBlocked，实际 %v", err)
	}
	if IsNotFound(err) {
		t.Fatalf("blocked 不应同时判定为 not found")
	}
}

func TestSite_FetchGamePage_Plain503IsStatusError(t *testing.T) {
	// 没有验证页特征的 503 不是 blocked，是普通状态码错误。
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_, _ = io.WriteString(w, "service unavailable")
	}))
	defer srv.Close()

	s := Site{}
	_, err := s.FetchGamePage(context.Background(), srv.Client(), srv.URL+"/x")
	if IsBlocked(err) {
		t.Fatalf("普通 503 不应判定为 blocked：%v", err)
	}
	if err == nil {
		t.Fatalf("503 应返回错误")
	}
}

func TestSite_FetchFile_Streaming(t *testing.T) {
	payload := strings.Repeat("MThd", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/a.mid":
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = io.WriteString(w, payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := Site{}
	body, size, err := s.FetchFile(context.Background(), srv.Client(), srv.URL+"/files/a.mid")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer body.Close()
	if size != int64(len(payload)) {
		t.Fatalf("Content-Length 不符合预期：%d", size)
	}
	b, err := io.ReadAll(body)
	if err != nil || string(b) != payload {
		t.Fatalf("流式读取不符合预期：len=%d err=%v", len(b), err)
	}

	_, _, err = s.FetchFile(context.Background(), srv.Client(), srv.URL+"/files/missing.mid")
	if !IsNotFound(err) {
		t.Fatalf("404 文件应判定为 IsNotFound，实际 %v", err)
	}
}
