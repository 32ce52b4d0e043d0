// Package auth authenticates and authorizes agent requests. A caller proves
// its identity with a projected service-account token; the token review's
// extra fields name the calling pod, and the pod's scheduled node must match
// the node the request wants to touch. An agent can therefore only ever write
// to its own host's shadow.
package auth

import (
	"context"
	"errors"
	"fmt"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"

	"updraft.io/updraft/pkg/log"
)

// The token review authenticator records the calling pod's name in the extra
// info of the returned user. This is how the pod is tied back to a node.
const podNameExtraKey = "authentication.kubernetes.io/pod-name"

var (
	// ErrUnauthenticated means the token itself could not be validated.
	ErrUnauthenticated = errors.New("token not authenticated")

	// ErrForbidden means the token is fine but the caller may not touch the
	// requested node. Handlers surface it as a generic 403.
	ErrForbidden = errors.New("caller not authorized for node")
)

// TokenReviewer validates a bearer token with the cluster.
type TokenReviewer interface {
	Review(ctx context.Context, token string, audiences []string) (*authenticationv1.TokenReviewStatus, error)
}

// K8sTokenReviewer posts TokenReviews to the cluster's authentication API.
type K8sTokenReviewer struct {
	client kubernetes.Interface
}

// NewK8sTokenReviewer returns a TokenReviewer backed by client.
func NewK8sTokenReviewer(client kubernetes.Interface) *K8sTokenReviewer {
	return &K8sTokenReviewer{client: client}
}

// Review implements TokenReviewer.
func (r *K8sTokenReviewer) Review(ctx context.Context, token string, audiences []string) (*authenticationv1.TokenReviewStatus, error) {
	review := &authenticationv1.TokenReview{
		Spec: authenticationv1.TokenReviewSpec{
			Token:     token,
			Audiences: audiences,
		},
	}

	created, err := r.client.AuthenticationV1().TokenReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating token review: %w", err)
	}

	return &created.Status, nil
}

// PodNodeResolver maps a pod to the node it is scheduled on.
type PodNodeResolver interface {
	NodeName(namespace, podName string) (string, error)
}

// ListerPodNodeResolver resolves pods from an informer cache so that every
// request does not round-trip to the cluster.
type ListerPodNodeResolver struct {
	lister corev1listers.PodLister
}

// NewListerPodNodeResolver returns a resolver over the given lister.
func NewListerPodNodeResolver(lister corev1listers.PodLister) *ListerPodNodeResolver {
	return &ListerPodNodeResolver{lister: lister}
}

// NodeName implements PodNodeResolver.
func (r *ListerPodNodeResolver) NodeName(namespace, podName string) (string, error) {
	pod, err := r.lister.Pods(namespace).Get(podName)
	if err != nil {
		return "", fmt.Errorf("looking up pod %s/%s: %w", namespace, podName, err)
	}

	return pod.Spec.NodeName, nil
}

// Authorizer decides whether a token may mutate a given node's resources.
type Authorizer struct {
	reviewer  TokenReviewer
	pods      PodNodeResolver
	namespace string
	audiences []string
	logger    log.Logger
}

// NewAuthorizer assembles an Authorizer.
func NewAuthorizer(reviewer TokenReviewer, pods PodNodeResolver, namespace string, audiences []string, logger log.Logger) *Authorizer {
	return &Authorizer{
		reviewer:  reviewer,
		pods:      pods,
		namespace: namespace,
		audiences: audiences,
		logger:    logger.WithName("auth"),
	}
}

// AuthorizeNodeWrite returns nil when the bearer of token runs on nodeName.
// Token problems map to ErrUnauthenticated, everything else to ErrForbidden;
// the distinction is deliberately all a caller learns.
func (a *Authorizer) AuthorizeNodeWrite(ctx context.Context, token, nodeName string) error {
	if token == "" {
		return ErrUnauthenticated
	}

	status, err := a.reviewer.Review(ctx, token, a.audiences)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}

	if status.Error != "" {
		return fmt.Errorf("%w: token review: %s", ErrUnauthenticated, status.Error)
	}

	if !status.Authenticated {
		return ErrUnauthenticated
	}

	if !audiencesIntersect(a.audiences, status.Audiences) {
		a.logger.Warn("token audience mismatch", "node", nodeName)
		return ErrForbidden
	}

	podName, ok := callerPodName(status)
	if !ok {
		a.logger.Warn("token review carried no pod name", "node", nodeName)
		return ErrForbidden
	}

	podNode, err := a.pods.NodeName(a.namespace, podName)
	if err != nil {
		a.logger.Warn("could not resolve caller pod", "pod", podName, "node", nodeName)
		return ErrForbidden
	}

	if podNode != nodeName {
		a.logger.Warn("caller pod is not on the target node",
			"pod", podName, "podNode", podNode, "targetNode", nodeName)
		return ErrForbidden
	}

	return nil
}

func audiencesIntersect(want, got []string) bool {
	if len(want) == 0 {
		return true
	}

	for _, w := range want {
		for _, g := range got {
			if w == g {
				return true
			}
		}
	}

	return false
}

func callerPodName(status *authenticationv1.TokenReviewStatus) (string, bool) {
	values, ok := status.User.Extra[podNameExtraKey]
	if !ok || len(values) == 0 {
		return "", false
	}

	return values[0], true
}
