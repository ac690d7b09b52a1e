package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mng/internal/agent"
	"mng/internal/concur"
	"mng/internal/mngerrors"
	"mng/internal/provider"
)

// ErrorBehavior selects how fan-outs handle per-target failures.
type ErrorBehavior string

const (
	// Abort raises on the first failure.
	Abort ErrorBehavior = "abort"
	// Continue records failures and keeps going.
	Continue ErrorBehavior = "continue"
)

// DefaultSendConcurrency bounds the send worker pool.
const DefaultSendConcurrency = 32

// SendOptions configures a message fan-out.
type SendOptions struct {
	IncludeFilters []string
	ExcludeFilters []string
	// AllAgents sends to every agent (exclude filters still apply).
	AllAgents     bool
	ErrorBehavior ErrorBehavior
	// StartTargets starts offline hosts and stopped agents before sending.
	StartTargets bool
	Concurrency  int

	// Callbacks run on worker goroutines; callers must make them
	// thread-safe.
	OnSuccess func(agentName string)
	OnError   func(agentName, errMsg string)
}

// FailedAgent pairs an agent name with the error that stopped it.
type FailedAgent struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// SendResult accumulates fan-out outcomes under its lock.
type SendResult struct {
	mu         sync.Mutex
	Successful []string      `json:"successful"`
	Failed     []FailedAgent `json:"failed"`
}

func (r *SendResult) addSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Successful = append(r.Successful, name)
}

func (r *SendResult) addFailure(name, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, FailedAgent{Name: name, Error: errMsg})
}

// sendTarget is one resolved (agent, host) pair ready to message.
type sendTarget struct {
	agent agent.Agent
	name  string
}

// SendMessageToAgents sends message to every matching agent. Phase 1
// (resolution and filtering) is sequential; phase 2 (the sends) runs on a
// bounded worker pool because each send blocks on remote I/O and the
// multiplexer handshake's polling.
func SendMessageToAgents(ctx context.Context, providers []provider.Provider, agentCfg agent.Config, message string, opts SendOptions) (*SendResult, error) {
	if !opts.AllAgents && len(opts.IncludeFilters) == 0 {
		return nil, mngerrors.NewUserInputError("no targets: pass --all or at least one --include filter")
	}
	include, exclude, err := CompileFilters(opts.IncludeFilters, opts.ExcludeFilters)
	if err != nil {
		return nil, err
	}

	refs, err := ListAgentReferences(ctx, providers)
	if err != nil {
		return nil, err
	}
	providerMap := make(map[string]provider.Provider, len(providers))
	for _, prov := range providers {
		providerMap[prov.Name()] = prov
	}

	result := &SendResult{}
	abort := func(name string, cause error) error {
		msg := cause.Error()
		result.addFailure(name, msg)
		if opts.OnError != nil {
			opts.OnError(name, msg)
		}
		if opts.ErrorBehavior == Abort {
			return cause
		}
		return nil
	}

	// Phase 1: resolve hosts and filter agents.
	var targets []sendTarget
	for _, ref := range refs {
		prov, ok := providerMap[ref.Host.ProviderName]
		if !ok {
			if err := abort(ref.Data.Name, mngerrors.NewProviderNotFoundError(ref.Host.ProviderName)); err != nil {
				return result, err
			}
			continue
		}

		info, err := prov.GetHost(ctx, ref.Host.ID)
		if err != nil {
			if aerr := abort(ref.Data.Name, err); aerr != nil {
				return result, aerr
			}
			continue
		}
		online, isOnline := info.(provider.OnlineHost)
		if !isOnline {
			if !opts.StartTargets {
				if aerr := abort(ref.Data.Name, &mngerrors.OfflineError{HostIdentifier: ref.Host.ID}); aerr != nil {
					return result, aerr
				}
				continue
			}
			online, err = prov.StartHost(ctx, ref.Host.ID, "")
			if err != nil {
				if aerr := abort(ref.Data.Name, err); aerr != nil {
					return result, aerr
				}
				continue
			}
		}

		ag, err := agent.New(ref.Data, online, agentCfg)
		if err != nil {
			if aerr := abort(ref.Data.Name, err); aerr != nil {
				return result, aerr
			}
			continue
		}
		lifecycle, err := ag.LifecycleState(ctx)
		if err != nil {
			if aerr := abort(ref.Data.Name, err); aerr != nil {
				return result, aerr
			}
			continue
		}

		agentContext := NewAgentContext(ref, string(lifecycle))
		if !Matches(agentContext, include, exclude) {
			continue
		}

		if !lifecycle.CanReceiveMessages() {
			if !opts.StartTargets {
				if aerr := abort(ref.Data.Name, fmt.Errorf("agent %s is %s; start it before sending messages", ref.Data.Name, lifecycle)); aerr != nil {
					return result, aerr
				}
				continue
			}
			if err := ag.Start(ctx); err != nil {
				if aerr := abort(ref.Data.Name, err); aerr != nil {
					return result, aerr
				}
				continue
			}
			if resume := ag.ResumeMessage(); resume != "" {
				if err := ag.SendMessage(ctx, resume); err != nil {
					if aerr := abort(ref.Data.Name, err); aerr != nil {
						return result, aerr
					}
					continue
				}
			}
		}
		targets = append(targets, sendTarget{agent: ag, name: ref.Data.Name})
	}

	// Phase 2: parallel sends. The per-agent lock keeps messages to one
	// agent strictly ordered even when fan-outs overlap; across agents no
	// ordering is guaranteed.
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultSendConcurrency
	}
	pool := concur.NewWorkerPool(concurrency)
	pool.Start()
	agentLocks := concur.NewKeyedLock()
	var firstErr error
	var firstErrMu sync.Mutex

	for _, target := range targets {
		target := target
		pool.Submit(func(workerID int) error {
			agentLocks.Lock(target.name)
			err := target.agent.SendMessage(ctx, message)
			agentLocks.Unlock(target.name)
			if err != nil {
				result.addFailure(target.name, err.Error())
				if opts.OnError != nil {
					opts.OnError(target.name, err.Error())
				}
				if opts.ErrorBehavior == Abort {
					firstErrMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					firstErrMu.Unlock()
				}
				return err
			}
			result.addSuccess(target.name)
			if opts.OnSuccess != nil {
				opts.OnSuccess(target.name)
			}
			return nil
		})
	}
	pool.Wait()
	pool.Stop()

	sort.Strings(result.Successful)
	if firstErr != nil {
		return result, firstErr
	}
	return result, nil
}
