package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"chatcore/internal/attachments"
	"chatcore/internal/authn"
	"chatcore/internal/blob"
	"chatcore/internal/directory"
	"chatcore/internal/domain"
	"chatcore/internal/identity"
	"chatcore/internal/keyvault"
	"chatcore/internal/messaging"
	"chatcore/internal/store"
	"chatcore/internal/store/storetest"
	transport "chatcore/internal/transport/http"
)

const secret = "router-test-secret-0123456789abcdef"

type fixture struct {
	st       *store.Store
	signer   *authn.Signer
	server   *httptest.Server
	blobRoot string
}

func newFixture(t *testing.T, opts ...attachments.Option) *fixture {
	t.Helper()
	st := storetest.Open(t)
	vault, err := keyvault.New(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	root := t.TempDir()
	fs, err := blob.NewFileSystem(root)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	dir := directory.New(st, vault)
	users := identity.NewStoreProvider(st)
	signer, err := authn.NewSigner(secret, "portal", "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	h := transport.NewRouter(transport.Deps{
		Directory:   dir,
		Messages:    messaging.New(st, dir, vault),
		Attachments: attachments.New(st, dir, vault, fs, opts...),
		Users:       users,
		Auth:        authn.NewAuthenticator(authn.NewHMACVerifier(secret, "portal", ""), users),
	})
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &fixture{st: st, signer: signer, server: server, blobRoot: fs.Root()}
}

type response struct {
	status int
	header http.Header
	raw    []byte
	body   map[string]any
}

func (f *fixture) do(t *testing.T, user *domain.User, method, path, contentType string, body io.Reader) response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != nil {
		tok, err := f.signer.Sign(user.ID.String(), time.Minute, nil)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := response{status: resp.StatusCode, header: resp.Header, raw: raw}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

func (f *fixture) json(t *testing.T, user *domain.User, method, path string, v any) response {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, _ := json.Marshal(v)
		body = bytes.NewReader(data)
	}
	return f.do(t, user, method, path, "application/json", body)
}

func multipartBody(t *testing.T, text, filename, contentType string, data []byte) (string, io.Reader) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("body", text)
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="attachment"; filename="` + filename + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()
	return mw.FormDataContentType(), &buf
}

func TestRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	res := f.json(t, nil, http.MethodGet, "/v1/conversations", nil)
	if res.status != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.status)
	}
	if res.body["success"] != false {
		t.Fatalf("unexpected body %s", res.raw)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if res := f.do(t, nil, http.MethodGet, "/healthz", "", nil); res.status != http.StatusOK {
		t.Fatalf("status = %d", res.status)
	}
}

func TestThreadLifecycle(t *testing.T) {
	f := newFixture(t)
	a := storetest.User(t, f.st, "Ama")
	b := storetest.User(t, f.st, "Ben")
	outsider := storetest.User(t, f.st, "Oz")

	first := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": b.ID})
	if first.status != http.StatusCreated {
		t.Fatalf("create status = %d: %s", first.status, first.raw)
	}
	again := f.json(t, b, http.MethodPost, "/v1/threads", map[string]any{"user_id": a.ID})
	if again.status != http.StatusOK || again.body["id"] != first.body["id"] {
		t.Fatalf("expected existing thread, got %d %s", again.status, again.raw)
	}
	self := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": a.ID})
	if self.status != http.StatusBadRequest || self.body["code"] != string(domain.CodeInvalidParticipants) {
		t.Fatalf("self thread: %d %s", self.status, self.raw)
	}

	path := "/v1/threads/" + first.body["id"].(string)
	sent := f.json(t, a, http.MethodPost, path+"/messages", map[string]any{"message": " hi Ben "})
	if sent.status != http.StatusCreated {
		t.Fatalf("send status = %d: %s", sent.status, sent.raw)
	}

	convs := f.json(t, b, http.MethodGet, "/v1/conversations", nil)
	list := convs.body["conversations"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["unread_count"].(float64) != 1 {
		t.Fatalf("expected one unread conversation: %s", convs.raw)
	}

	hist := f.json(t, b, http.MethodGet, path+"/messages", nil)
	msgs := hist.body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["body"] != "hi Ben" {
		t.Fatalf("unexpected history %s", hist.raw)
	}

	convs = f.json(t, b, http.MethodGet, "/v1/conversations", nil)
	if n := convs.body["conversations"].([]any)[0].(map[string]any)["unread_count"].(float64); n != 0 {
		t.Fatalf("viewing history must mark read, unread=%v", n)
	}

	denied := f.json(t, outsider, http.MethodGet, path+"/messages", nil)
	if denied.status != http.StatusNotFound || denied.body["code"] != string(domain.CodeNotFound) {
		t.Fatalf("outsider history: %d %s", denied.status, denied.raw)
	}
	empty := f.json(t, a, http.MethodPost, path+"/messages", map[string]any{"message": "   "})
	if empty.status != http.StatusBadRequest || empty.body["code"] != string(domain.CodeEmptyMessage) {
		t.Fatalf("empty message: %d %s", empty.status, empty.raw)
	}
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	a := storetest.User(t, f.st, "Ama")
	b := storetest.User(t, f.st, "Ben")
	outsider := storetest.User(t, f.st, "Oz")
	th := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": b.ID})
	path := "/v1/threads/" + th.body["id"].(string) + "/messages"

	raw := []byte("minutes of the meeting")
	ct, body := multipartBody(t, "see attached", "../../minutes.txt", "text/plain", raw)
	res := f.do(t, a, http.MethodPost, path, ct, body)
	if res.status != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", res.status, res.raw)
	}
	atts := res.body["message"].(map[string]any)["attachments"].([]any)
	if len(atts) != 1 {
		t.Fatalf("expected one attachment: %s", res.raw)
	}
	att := atts[0].(map[string]any)
	if att["filename"] != "minutes.txt" {
		t.Fatalf("filename not sanitized: %v", att["filename"])
	}
	url := att["url"].(string)

	dl := f.do(t, b, http.MethodGet, url, "", nil)
	if dl.status != http.StatusOK || !bytes.Equal(dl.raw, raw) {
		t.Fatalf("download: %d %q", dl.status, dl.raw)
	}
	if cd := dl.header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Fatalf("text must download as attachment, got %q", cd)
	}

	if res := f.do(t, outsider, http.MethodGet, url, "", nil); res.status != http.StatusNotFound {
		t.Fatalf("outsider download status = %d", res.status)
	}
	if res := f.do(t, b, http.MethodGet, url+"/thumb", "", nil); res.status != http.StatusNotFound {
		t.Fatalf("missing thumbnail status = %d", res.status)
	}
}

func TestAttachmentTooLargeStoresNothing(t *testing.T) {
	f := newFixture(t, attachments.WithMaxBytes(8))
	a := storetest.User(t, f.st, "Ama")
	b := storetest.User(t, f.st, "Ben")
	th := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": b.ID})
	path := "/v1/threads/" + th.body["id"].(string) + "/messages"

	ct, body := multipartBody(t, "big one", "big.bin", "application/octet-stream", bytes.Repeat([]byte{1}, 64))
	res := f.do(t, a, http.MethodPost, path, ct, body)
	if res.status != http.StatusRequestEntityTooLarge || res.body["code"] != string(domain.CodeAttachmentTooLarge) {
		t.Fatalf("expected 413 attachment_too_large, got %d %s", res.status, res.raw)
	}
	hist := f.json(t, b, http.MethodGet, path, nil)
	if n := len(hist.body["messages"].([]any)); n != 0 {
		t.Fatalf("rejected upload must not store a message, got %d", n)
	}
}

func TestAttachmentWithLongFilename(t *testing.T) {
	f := newFixture(t)
	a := storetest.User(t, f.st, "Ama")
	b := storetest.User(t, f.st, "Ben")
	th := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": b.ID})
	path := "/v1/threads/" + th.body["id"].(string) + "/messages"

	name := strings.Repeat("q", 300) + ".txt"
	raw := []byte("long name, short file")
	ct, body := multipartBody(t, "here", name, "text/plain", raw)
	res := f.do(t, a, http.MethodPost, path, ct, body)
	if res.status != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", res.status, res.raw)
	}
	att := res.body["message"].(map[string]any)["attachments"].([]any)[0].(map[string]any)
	if att["filename"] != name {
		t.Fatalf("display name must be kept, got %v", att["filename"])
	}
	dl := f.do(t, b, http.MethodGet, att["url"].(string), "", nil)
	if dl.status != http.StatusOK || !bytes.Equal(dl.raw, raw) {
		t.Fatalf("download: %d %q", dl.status, dl.raw)
	}
}

func TestFailedAttachmentRetractsMessage(t *testing.T) {
	f := newFixture(t)
	a := storetest.User(t, f.st, "Ama")
	b := storetest.User(t, f.st, "Ben")
	th := f.json(t, a, http.MethodPost, "/v1/threads", map[string]any{"user_id": b.ID})
	path := "/v1/threads/" + th.body["id"].(string) + "/messages"

	// A regular file in place of the blob root makes every write fail.
	if err := os.RemoveAll(f.blobRoot); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if err := os.WriteFile(f.blobRoot, []byte("x"), 0o600); err != nil {
		t.Fatalf("block root: %v", err)
	}

	ct, body := multipartBody(t, "here", "notes.txt", "text/plain", []byte("notes"))
	res := f.do(t, a, http.MethodPost, path, ct, body)
	if res.status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d %s", res.status, res.raw)
	}
	hist := f.json(t, b, http.MethodGet, path, nil)
	if n := len(hist.body["messages"].([]any)); n != 0 {
		t.Fatalf("failed upload left %d messages behind: %s", n, hist.raw)
	}
}

func TestGroupCreationAndMembership(t *testing.T) {
	f := newFixture(t)
	exec := storetest.User(t, f.st, "Eve", storetest.Executive)
	member := storetest.User(t, f.st, "Max")
	late := storetest.User(t, f.st, "Lee")

	denied := f.json(t, member, http.MethodPost, "/v1/groups", map[string]any{"name": "Ops", "member_ids": []string{exec.ID.String()}})
	if denied.status != http.StatusForbidden {
		t.Fatalf("non-executive create: %d %s", denied.status, denied.raw)
	}

	created := f.json(t, exec, http.MethodPost, "/v1/groups", map[string]any{"name": "Ops", "member_ids": []string{member.ID.String()}})
	if created.status != http.StatusCreated {
		t.Fatalf("create: %d %s", created.status, created.raw)
	}
	again := f.json(t, exec, http.MethodPost, "/v1/groups", map[string]any{"name": " Ops ", "member_ids": []string{}})
	if again.status != http.StatusOK || again.body["id"] != created.body["id"] {
		t.Fatalf("duplicate create: %d %s", again.status, again.raw)
	}

	gid := created.body["id"].(string)
	add := f.json(t, exec, http.MethodPost, "/v1/groups/"+gid+"/members", map[string]any{"user_id": late.ID})
	if add.status != http.StatusCreated {
		t.Fatalf("add member: %d %s", add.status, add.raw)
	}
	dup := f.json(t, exec, http.MethodPost, "/v1/groups/"+gid+"/members", map[string]any{"user_id": late.ID})
	if dup.status != http.StatusConflict {
		t.Fatalf("re-add member: %d %s", dup.status, dup.raw)
	}

	sent := f.json(t, exec, http.MethodPost, "/v1/groups/"+gid+"/messages", map[string]any{"message": "standup at 9"})
	if sent.status != http.StatusCreated {
		t.Fatalf("group send: %d %s", sent.status, sent.raw)
	}
	mid := sent.body["message"].(map[string]any)["id"].(string)
	if res := f.json(t, late, http.MethodPost, "/v1/groups/"+gid+"/messages/"+mid+"/read", nil); res.status != http.StatusOK {
		t.Fatalf("mark message read: %d %s", res.status, res.raw)
	}
	other := f.json(t, exec, http.MethodPost, "/v1/groups", map[string]any{"name": "Infra", "member_ids": []string{}})
	oid := other.body["id"].(string)
	if res := f.json(t, exec, http.MethodPost, "/v1/groups/"+oid+"/messages/"+mid+"/read", nil); res.status != http.StatusNotFound {
		t.Fatalf("message read under the wrong group: %d %s", res.status, res.raw)
	}

	if res := f.json(t, exec, http.MethodDelete, "/v1/groups/"+gid+"/members/"+late.ID.String(), nil); res.status != http.StatusOK {
		t.Fatalf("remove: %d %s", res.status, res.raw)
	}
	gone := f.json(t, late, http.MethodGet, "/v1/groups/"+gid+"/messages", nil)
	if gone.status != http.StatusNotFound {
		t.Fatalf("removed member history: %d %s", gone.status, gone.raw)
	}
	if res := f.json(t, member, http.MethodPost, "/v1/groups/"+gid+"/read", nil); res.status != http.StatusOK || res.body["marked"].(float64) != 1 {
		t.Fatalf("group read sweep: %d %s", res.status, res.raw)
	}
}
