// Package k8s implements the pod-per-host provider: each host is one
// long-lived Pod, reached through the Kubernetes exec API. Pods have no
// snapshot story, so supports_snapshots is false; stopping a host deletes
// its Pod and starting it again recreates the Pod from the host's image.
package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// Client wraps the Kubernetes clientset plus the rest config needed for
// exec streams.
type Client struct {
	Clientset  kubernetes.Interface
	RestConfig *rest.Config
	Namespace  string
}

// NewClient builds a client using the in-cluster config when available,
// falling back to the local kubeconfig.
func NewClient(namespace string) (*Client, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		restConfig, err = clientConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		if namespace == "" {
			namespace, _, _ = clientConfig.Namespace()
		}
	}
	if namespace == "" {
		namespace = "default"
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Client{Clientset: clientset, RestConfig: restConfig, Namespace: namespace}, nil
}

// ExecResult is the outcome of one pod exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command in the host container of a pod, optionally feeding
// stdin, and returns the output with the exit code.
func (c *Client) Exec(ctx context.Context, podName string, command []string, stdin []byte) (*ExecResult, error) {
	req := c.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(c.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdin:   len(stdin) > 0,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.RestConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("creating pod executor: %w", err)
	}

	var outBuf, errBuf bytes.Buffer
	opts := remotecommand.StreamOptions{Stdout: &outBuf, Stderr: &errBuf}
	var stdinReader io.Reader
	if len(stdin) > 0 {
		stdinReader = bytes.NewReader(stdin)
		opts.Stdin = stdinReader
	}

	streamErr := executor.StreamWithContext(ctx, opts)
	result := &ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if streamErr != nil {
		var codeErr utilexec.CodeExitError
		if errors.As(streamErr, &codeErr) {
			result.ExitCode = codeErr.Code
			return result, nil
		}
		return nil, streamErr
	}
	return result, nil
}
