package storysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type StoryApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	bearerToken string
}

func NewStoryApi(apiUrl string) *StoryApi {
	return NewStoryApiWithContext(context.Background(), apiUrl)
}

func NewStoryApiWithContext(ctx context.Context, apiUrl string) *StoryApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &StoryApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it.
// the token is opaque to the client; nothing here parses it.
func (self *StoryApi) SetBearerToken(bearerToken string) {
	self.bearerToken = bearerToken
}

func (self *StoryApi) Close() {
	self.cancel()
}

type SyncNodeCallback apiCallback[*SyncNodeResult]

type SyncNodeArgs struct {
	ProjectId string     `json:"project_id"`
	Node      *StoryNode `json:"node"`
	RequestId string     `json:"request_id,omitempty"`
}

type SyncNodeResult struct {
	Project    *StoryProject `json:"project"`
	SyncResult *SyncResult   `json:"sync_result"`
	Conflicts  []*Conflict   `json:"conflicts"`
	SyncStatus string        `json:"sync_status,omitempty"`
}

func (self *StoryApi) SyncNode(syncNode *SyncNodeArgs, callback SyncNodeCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sync_node", self.apiUrl),
		syncNode,
		self.bearerToken,
		&SyncNodeResult{},
		callback,
	)
}

// the caller owns the context. Cancel it to abort the save;
// an aborted save never reaches the callback with a partial result.
func (self *StoryApi) SyncNodeWithContext(ctx context.Context, syncNode *SyncNodeArgs, callback SyncNodeCallback) {
	go request(
		ctx,
		"POST",
		fmt.Sprintf("%s/sync_node", self.apiUrl),
		syncNode,
		self.bearerToken,
		&SyncNodeResult{},
		callback,
	)
}

type GetProjectCallback apiCallback[*StoryProject]

func (self *StoryApi) GetProject(projectId string, callback GetProjectCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s", self.apiUrl, projectId),
		nil,
		self.bearerToken,
		&StoryProject{},
		callback,
	)
}

func (self *StoryApi) GetProjectSync(projectId string) (*StoryProject, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s", self.apiUrl, projectId),
		nil,
		self.bearerToken,
		&StoryProject{},
		NewNoopApiCallback[*StoryProject](),
	)
}

type ListVersionsCallback apiCallback[*[]*SnapshotMetadata]

func (self *StoryApi) ListVersions(projectId string, callback ListVersionsCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions", self.apiUrl, projectId),
		nil,
		self.bearerToken,
		&[]*SnapshotMetadata{},
		callback,
	)
}

func (self *StoryApi) ListVersionsSync(projectId string) ([]*SnapshotMetadata, error) {
	versions, err := request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions", self.apiUrl, projectId),
		nil,
		self.bearerToken,
		&[]*SnapshotMetadata{},
		NewNoopApiCallback[*[]*SnapshotMetadata](),
	)
	if err != nil {
		return nil, err
	}
	return *versions, nil
}

type GetSnapshotCallback apiCallback[*Snapshot]

func (self *StoryApi) GetSnapshot(projectId string, version int, callback GetSnapshotCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&Snapshot{},
		callback,
	)
}

func (self *StoryApi) GetSnapshotSync(projectId string, version int) (*Snapshot, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&Snapshot{},
		NewNoopApiCallback[*Snapshot](),
	)
}

type DiffVersionsCallback apiCallback[*VersionDiff]

func (self *StoryApi) DiffVersions(projectId string, fromVersion int, toVersion int, callback DiffVersionsCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions/%d/diff/%d", self.apiUrl, projectId, fromVersion, toVersion),
		nil,
		self.bearerToken,
		&VersionDiff{},
		callback,
	)
}

func (self *StoryApi) DiffVersionsSync(projectId string, fromVersion int, toVersion int) (*VersionDiff, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/versions/%d/diff/%d", self.apiUrl, projectId, fromVersion, toVersion),
		nil,
		self.bearerToken,
		&VersionDiff{},
		NewNoopApiCallback[*VersionDiff](),
	)
}

type CreateSnapshotCallback apiCallback[*Snapshot]

type CreateSnapshotArgs struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

func (self *StoryApi) CreateSnapshot(projectId string, createSnapshot *CreateSnapshotArgs, callback CreateSnapshotCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/versions", self.apiUrl, projectId),
		createSnapshot,
		self.bearerToken,
		&Snapshot{},
		callback,
	)
}

func (self *StoryApi) CreateSnapshotSync(projectId string, createSnapshot *CreateSnapshotArgs) (*Snapshot, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/versions", self.apiUrl, projectId),
		createSnapshot,
		self.bearerToken,
		&Snapshot{},
		NewNoopApiCallback[*Snapshot](),
	)
}

type RestoreSnapshotCallback apiCallback[*StoryProject]

func (self *StoryApi) RestoreSnapshot(projectId string, version int, callback RestoreSnapshotCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/versions/%d/restore", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&StoryProject{},
		callback,
	)
}

func (self *StoryApi) RestoreSnapshotSync(projectId string, version int) (*StoryProject, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/versions/%d/restore", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&StoryProject{},
		NewNoopApiCallback[*StoryProject](),
	)
}

type UpdateSnapshotCallback apiCallback[*Snapshot]

type UpdateSnapshotArgs struct {
	Name               string `json:"name,omitempty"`
	Description        string `json:"description,omitempty"`
	PromoteToMilestone bool   `json:"promote_to_milestone,omitempty"`
}

func (self *StoryApi) UpdateSnapshot(projectId string, version int, updateSnapshot *UpdateSnapshotArgs, callback UpdateSnapshotCallback) {
	go request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		updateSnapshot,
		self.bearerToken,
		&Snapshot{},
		callback,
	)
}

func (self *StoryApi) UpdateSnapshotSync(projectId string, version int, updateSnapshot *UpdateSnapshotArgs) (*Snapshot, error) {
	return request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		updateSnapshot,
		self.bearerToken,
		&Snapshot{},
		NewNoopApiCallback[*Snapshot](),
	)
}

type DeleteSnapshotCallback apiCallback[*DeleteSnapshotResult]

type DeleteSnapshotResult struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (self *StoryApi) DeleteSnapshot(projectId string, version int, callback DeleteSnapshotCallback) {
	go request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&DeleteSnapshotResult{},
		callback,
	)
}

func (self *StoryApi) DeleteSnapshotSync(projectId string, version int) (*DeleteSnapshotResult, error) {
	return request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/projects/%s/versions/%d", self.apiUrl, projectId, version),
		nil,
		self.bearerToken,
		&DeleteSnapshotResult{},
		NewNoopApiCallback[*DeleteSnapshotResult](),
	)
}

func request[R any](ctx context.Context, method string, url string, args any, bearerToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if bearerToken != "" {
		auth := fmt.Sprintf("Bearer %s", bearerToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
