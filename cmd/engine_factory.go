package cmd

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"agentcore/pkg/engine/api"
	"agentcore/pkg/engine/memory"
	mw "agentcore/pkg/engine/middleware"
	"agentcore/pkg/engine/policy"
	"agentcore/pkg/engine/runtime"
	"agentcore/pkg/engine/skill"
	"agentcore/pkg/engine/store"
	"agentcore/pkg/engine/systool"
	"agentcore/pkg/engine/tokencount"
	"agentcore/pkg/engine/tools"
)

func resolveWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if realWD, err := filepath.EvalSymlinks(wd); err == nil {
		wd = realWD
	}
	// Use workspace/ subdirectory as the working directory for file operations
	workspaceDir := filepath.Join(wd, "workspace")
	// Create if it doesn't exist
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return "", err
	}
	return workspaceDir, nil
}

func defaultSkillRoots(workspaceRoot string) []string {
	var roots []string

	// workspaceRoot points to workspace/ subdirectory, go up one level for project root
	projectRoot := filepath.Dir(workspaceRoot)

	// Project skills (<project>/.agentcore/skills). Highest priority.
	roots = append(roots, filepath.Join(projectRoot, ".agentcore", "skills"))

	// Legacy project skills path (<project>/workspace/.agentcore/skills).
	roots = append(roots, filepath.Join(workspaceRoot, ".agentcore", "skills"))

	// Global skills (~/.agentcore/<agent>/skills).
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".agentcore", agentFlag, "skills"))
	}

	// Built-in skills shipped with the repo.
	roots = append(roots, filepath.Join(projectRoot, "skills"))

	// Codex skills (optional).
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		roots = append(roots, filepath.Join(codexHome, "skills"))
	} else if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".codex", "skills"))
	}

	return roots
}

func newAPIEngine(workspaceRoot string) (api.Engine, error) {
	sessionStore, err := store.NewFileSessionStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	planStore, err := store.NewFilePlanStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	eventLog, err := store.NewJSONLEventLog(workspaceRoot)
	if err != nil {
		return nil, err
	}

	skillIndex, err := skill.NewDirSkillIndex(defaultSkillRoots(workspaceRoot)...)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStructuredManager(workspaceRoot)

	reg := tools.NewRegistry()
	reg.MustRegister(&systool.ListSkillsTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ActivateSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.WriteTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.ReadMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UpdateMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UnderstandIntentTool{})

	if enableToolsFlag {
		for _, t := range tools.DefaultRegistry(workspaceRoot).All() {
			reg.MustRegister(t)
		}
		// run_skill_script needs skill index for path resolution.
		reg.MustRegister(tools.NewRunSkillScriptTool(workspaceRoot, skillIndex))
	}

	model := os.Getenv("LLM_MODEL")
	if modelFlag != "" {
		model = modelFlag
	}

	var llm runtime.LLM = &runtime.MockLLM{}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		baseURL := os.Getenv("LLM_BASE_URL")
		openai := runtime.NewOpenAILLM(baseURL, apiKey, model)
		llm = openai
	}

	modelLimit := 64000 // Default model_limit token budget
	if v := os.Getenv("MODEL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			modelLimit = n
		}
	}

	// Auto-compress once the estimated context reaches 80% of the model limit.
	// A TokenEstimator is always wired below, so the threshold is a token
	// budget, not a message count.
	autoCompressThreshold := modelLimit * 8 / 10
	if v := os.Getenv("AUTO_COMPRESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			autoCompressThreshold = n
		}
	}
	compressKeepTurns := 3 // Default
	if v := os.Getenv("COMPRESS_KEEP_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			compressKeepTurns = n
		}
	}

	// Filter historical tool messages (default: true for smaller context)
	filterHistoryTools := true
	if v := os.Getenv("FILTER_HISTORY_TOOLS"); v == "false" || v == "0" {
		filterHistoryTools = false
	}

	maxLoops := runtime.MaxLoopsUnset
	if v := os.Getenv("MAX_LOOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxLoops = n
		}
	}

	estimator := tokencount.New(model)

	summarizerCfg := runtime.DefaultSummarizerConfig()
	if v := os.Getenv("TOOL_SUMMARIZE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			summarizerCfg.TokenThreshold = n
		}
	}
	summarizer := runtime.NewSummarizer(llm, estimator, summarizerCfg)

	stats := runtime.NewStats(prometheus.NewRegistry())
	gate := policy.NewGate(policy.NewDefaultPolicy())

	taskTool := &systool.TaskTool{}
	reg.MustRegister(taskTool)

	engine, err := runtime.NewEngine(runtime.EngineConfig{
		LLM:                   llm,
		Tools:                 reg,
		Policy:                policy.NewDefaultPolicy(),
		Middlewares:           []runtime.Middleware{mw.NewPersonaMiddleware(workspaceRoot, filepath.Dir(workspaceRoot), agentFlag), mw.NewBasePromptMiddleware(workspaceRoot), mw.NewSkillsMiddleware(skillIndex), mw.NewMemoryMiddleware(mem), mw.NewPlanningMiddleware(planStore)},
		WorkspaceRoot:         workspaceRoot,
		SkillIndex:            skillIndex,
		SessionStore:          sessionStore,
		PlanStore:             planStore,
		EventLog:              eventLog,
		AutoCompressThreshold: autoCompressThreshold,
		CompressKeepTurns:     compressKeepTurns,
		FilterHistoryTools:    filterHistoryTools,
		MaxLoops:              maxLoops,
		ModelLimit:            modelLimit,
		Gate:                  gate,
		TokenEstimator:        estimator,
		Summarizer:            summarizer,
		Stats:                 stats,
	})
	if err != nil {
		return nil, err
	}
	// The Task tool needs a handle to the Engine it was registered against,
	// which doesn't exist until NewEngine returns; wire it in after the fact
	// rather than restructuring construction order for one tool.
	taskTool.Engine = engine

	return engine, nil
}
