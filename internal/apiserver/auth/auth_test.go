package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	authenticationv1 "k8s.io/api/authentication/v1"

	"updraft.io/updraft/pkg/log"
)

type fakeReviewer struct {
	status *authenticationv1.TokenReviewStatus
	err    error
}

func (f *fakeReviewer) Review(context.Context, string, []string) (*authenticationv1.TokenReviewStatus, error) {
	return f.status, f.err
}

type fakeResolver map[string]string

func (f fakeResolver) NodeName(_, podName string) (string, error) {
	node, ok := f[podName]
	if !ok {
		return "", fmt.Errorf("no such pod %q", podName)
	}

	return node, nil
}

func authenticatedStatus(podName string, audiences ...string) *authenticationv1.TokenReviewStatus {
	return &authenticationv1.TokenReviewStatus{
		Authenticated: true,
		Audiences:     audiences,
		User: authenticationv1.UserInfo{
			Username: "system:serviceaccount:updraft-system:updraft-agent",
			Extra: map[string]authenticationv1.ExtraValue{
				"authentication.kubernetes.io/pod-name": {podName},
			},
		},
	}
}

func newAuthorizer(reviewer TokenReviewer, pods PodNodeResolver) *Authorizer {
	return NewAuthorizer(reviewer, pods, "updraft-system", []string{"updraft-apiserver"}, log.NewNopLogger())
}

func TestAuthorizeNodeWriteAllowsOwnNode(t *testing.T) {
	a := newAuthorizer(
		&fakeReviewer{status: authenticatedStatus("agent-abc", "updraft-apiserver")},
		fakeResolver{"agent-abc": "worker-1"},
	)

	if err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-1"); err != nil {
		t.Fatalf("expected authorization, got %v", err)
	}
}

// An agent on node A writing to node B's shadow must get a forbidden, not a
// more descriptive error.
func TestAuthorizeNodeWriteRejectsOtherNode(t *testing.T) {
	a := newAuthorizer(
		&fakeReviewer{status: authenticatedStatus("agent-abc", "updraft-apiserver")},
		fakeResolver{"agent-abc": "worker-1"},
	)

	err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-2")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeNodeWriteRejectsUnauthenticatedToken(t *testing.T) {
	tests := []struct {
		name     string
		reviewer TokenReviewer
	}{
		{"review failed", &fakeReviewer{err: errors.New("apiserver unavailable")}},
		{"not authenticated", &fakeReviewer{status: &authenticationv1.TokenReviewStatus{Authenticated: false}}},
		{"review error field", &fakeReviewer{status: &authenticationv1.TokenReviewStatus{Error: "token expired"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuthorizer(tt.reviewer, fakeResolver{})

			err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-1")
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestAuthorizeNodeWriteRejectsEmptyToken(t *testing.T) {
	a := newAuthorizer(&fakeReviewer{status: authenticatedStatus("agent-abc")}, fakeResolver{})

	if err := a.AuthorizeNodeWrite(context.Background(), "", "worker-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestAuthorizeNodeWriteRejectsAudienceMismatch(t *testing.T) {
	a := newAuthorizer(
		&fakeReviewer{status: authenticatedStatus("agent-abc", "some-other-service")},
		fakeResolver{"agent-abc": "worker-1"},
	)

	err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on audience mismatch, got %v", err)
	}
}

func TestAuthorizeNodeWriteRejectsUnknownPod(t *testing.T) {
	a := newAuthorizer(
		&fakeReviewer{status: authenticatedStatus("agent-abc", "updraft-apiserver")},
		fakeResolver{},
	)

	err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown pod, got %v", err)
	}
}

func TestAuthorizeNodeWriteRejectsMissingPodName(t *testing.T) {
	status := &authenticationv1.TokenReviewStatus{
		Authenticated: true,
		Audiences:     []string{"updraft-apiserver"},
	}

	a := newAuthorizer(&fakeReviewer{status: status}, fakeResolver{})

	err := a.AuthorizeNodeWrite(context.Background(), "token", "worker-1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden when the review names no pod, got %v", err)
	}
}
