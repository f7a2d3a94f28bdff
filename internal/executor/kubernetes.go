package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	k8swatch "k8s.io/client-go/tools/watch"
	"k8s.io/utils/ptr"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// jobPollInterval paces Wait's Job polling loop so it doesn't hammer the
// API server between ticks.
const jobPollInterval = 2 * time.Second

// kubernetesExecutor runs the configured executable as one Kubernetes Job
// per worker_task, adapted from the teacher's K8sJob (k8sjobrunner.go).
// The Job's pod liveness/log-follow loop becomes this variant's
// wait/stdout_lines hysteresis poll instead of the teacher's one-shot
// WaitAndGetLogs.
type kubernetesExecutor struct {
	cfg          model.ExecutorConfig
	jobName      string
	namespace    string
	clientset    *kubernetes.Clientset
	hostCwd      string
	containerCwd string
	volumeMap    []config.VolumeMapping
	logger       *slog.Logger

	mu     sync.Mutex
	stdout chan string
	stderr chan string
}

func newKubernetesExecutor(cfg model.ExecutorConfig, workerTaskID int64, scratchRoot, purpose string,
	volumeMap []config.VolumeMapping, logger *slog.Logger) (*kubernetesExecutor, error) {

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("new kubernetes client: %w", err)
	}

	hostCwd := filepath.Join(scratchRoot, scratchDirName(workerTaskID, purpose))
	containerCwd, err := config.ResolveContainerPath(volumeMap, hostCwd)
	if err != nil {
		return nil, fmt.Errorf("resolve pod working dir for %q: %w", hostCwd, err)
	}

	return &kubernetesExecutor{
		cfg:          cfg,
		jobName:      ContainerName(workerTaskID, purpose, cfg.Exe, cfg.Args),
		namespace:    "default",
		clientset:    clientset,
		hostCwd:      hostCwd,
		containerCwd: containerCwd,
		volumeMap:    volumeMap,
		logger:       logger,
	}, nil
}

func (e *kubernetesExecutor) Setup(_ context.Context) error {
	// Image availability is verified implicitly by pod scheduling; unlike
	// the docker engine there is no separate client-side pull step. The
	// scratch directory itself still needs to exist node-side before the
	// pod's hostPath volume mounts it.
	return os.MkdirAll(e.hostCwd, 0o755)
}

// CreateRelativeDirp/RmRelativeDirp operate directly on hostCwd, the same
// node-local path the pod spec's hostPath volumes mount: the volume map
// that resolves the pod's working directory (newKubernetesExecutor) also
// guarantees this process and the pod see the same underlying directory.
func (e *kubernetesExecutor) CreateRelativeDirp(p string) error { return mkdirp(e.hostCwd, p) }
func (e *kubernetesExecutor) RmRelativeDirp(p string) error     { return rmrf(e.hostCwd, p) }
func (e *kubernetesExecutor) CwdPath() string                   { return e.hostCwd }

func (e *kubernetesExecutor) jobSpec() *batchv1.Job {
	envs := make([]corev1.EnvVar, 0, len(e.cfg.Envs))
	for k, v := range e.cfg.Envs {
		envs = append(envs, corev1.EnvVar{Name: k, Value: v})
	}

	volumes := make([]corev1.Volume, 0, len(e.volumeMap))
	mounts := make([]corev1.VolumeMount, 0, len(e.volumeMap))
	for i, vm := range e.volumeMap {
		name := fmt.Sprintf("volume-map-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: vm.HostPath},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: vm.ContainerPath})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: e.jobName},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:  ptr.To(int64(os.Getuid())),
						RunAsGroup: ptr.To(int64(os.Getgid())),
					},
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes:       volumes,
					Containers: []corev1.Container{
						{
							Name:         "fuzzfleet-task",
							Image:        e.cfg.Image,
							Command:      append([]string{e.cfg.Exe}, e.cfg.Args...),
							WorkingDir:   filepath.Join(e.containerCwd, e.cfg.Cwd),
							Env:          envs,
							VolumeMounts: mounts,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU: *resource.NewQuantity(int64(e.cfg.CPUs), resource.DecimalSI),
								},
							},
						},
					},
				},
			},
		},
	}
}

func (e *kubernetesExecutor) Spawn(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.clientset.BatchV1().Jobs(e.namespace).Create(ctx, e.jobSpec(), metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create job %q: %w", e.jobName, err)
	}

	e.stdout = make(chan string, 64)
	e.stderr = make(chan string, 64)
	close(e.stderr)

	go e.followLogs(ctx)

	return nil
}

func (e *kubernetesExecutor) followLogs(ctx context.Context) {
	defer close(e.stdout)

	pod, err := e.waitForPod(ctx)
	if err != nil {
		return
	}

	req := e.clientset.CoreV1().Pods(e.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	lines := make(chan string, 64)
	go streamLines(stream, lines)
	for line := range lines {
		select {
		case e.stdout <- line:
		case <-ctx.Done():
			return
		}
	}
}

// waitForPod waits for a pod associated with the job to reach a running
// or terminal state, adapted from the teacher's K8sJob.waitForPod.
func (e *kubernetesExecutor) waitForPod(ctx context.Context) (*corev1.Pod, error) {
	labelSel := fields.Set{"job-name": e.jobName}.AsSelector().String()

	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = labelSel
			return e.clientset.CoreV1().Pods(e.namespace).List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = labelSel
			return e.clientset.CoreV1().Pods(e.namespace).Watch(ctx, opts)
		},
	}

	event, err := k8swatch.UntilWithSync(ctx, lw, &corev1.Pod{}, nil,
		func(event watch.Event) (bool, error) {
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				return false, nil
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return true, nil
			}
			return false, nil
		})
	if err != nil {
		return nil, fmt.Errorf("wait for pod: %w", err)
	}
	return event.Object.(*corev1.Pod), nil
}

func (e *kubernetesExecutor) SpawnBlocking(ctx context.Context) (BlockingResult, error) {
	if err := e.Spawn(ctx); err != nil {
		return BlockingResult{}, err
	}
	defer e.Close()

	if err := e.Wait(ctx, nil); err != nil {
		return BlockingResult{ExitStatus: 1}, nil
	}

	var buf bytes.Buffer
	for line := range e.stdout {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return BlockingResult{ExitStatus: 0, Stdout: buf.Bytes()}, nil
}

func (e *kubernetesExecutor) StdoutLines() <-chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout
}

func (e *kubernetesExecutor) StderrLines() <-chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stderr
}

// consecutiveMissesThreshold bounds the liveness-poll hysteresis: this
// many consecutive failed pod lookups before a job is declared dead,
// tolerating transient listing errors (spec.md §4.3).
const consecutiveMissesThreshold = 3

func (e *kubernetesExecutor) Wait(ctx context.Context, killSwitch <-chan struct{}) error {
	misses := 0
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-killSwitch:
			_ = e.clientset.BatchV1().Jobs(e.namespace).Delete(context.Background(), e.jobName, metav1.DeleteOptions{})
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := e.clientset.BatchV1().Jobs(e.namespace).Get(ctx, e.jobName, metav1.GetOptions{})
			if err != nil {
				misses++
				if misses >= consecutiveMissesThreshold {
					return fmt.Errorf("job %q no longer observable: %w", e.jobName, err)
				}
				continue
			}
			misses = 0
			if job.Status.Succeeded > 0 {
				return nil
			}
			if job.Status.Failed > 0 {
				return fmt.Errorf("job %q failed", e.jobName)
			}
		}
	}
}

// Close deletes the Job by name; errors are logged, not propagated.
func (e *kubernetesExecutor) Close() error {
	bg := metav1.DeletePropagationBackground
	if err := e.clientset.BatchV1().Jobs(e.namespace).Delete(context.Background(), e.jobName,
		metav1.DeleteOptions{PropagationPolicy: &bg}); err != nil && e.logger != nil {
		e.logger.Warn("delete job failed", "job", e.jobName, "error", err)
	}
	return nil
}
