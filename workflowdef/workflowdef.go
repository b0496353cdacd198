// Package workflowdef parses the generic JSON tree stored by the version
// store (a resolved workflow is just a map[string]any) into the typed
// shape the Executor, Interaction Handler, and Navigator walk: an ordered
// list of steps, each with an ordered list of module configs.
package workflowdef

import "fmt"

type (
	// Definition is a resolved workflow: an ordered step list plus the
	// workflow-level config map handed to the parameter resolver as
	// "workflow" context.
	Definition struct {
		Steps  []Step
		Config map[string]any
	}

	// Step is one step in a workflow. Name may embed a "{step_number}"
	// placeholder substituted with the step's 1-based position.
	Step struct {
		ID      string
		Name    string
		Modules []ModuleConfig
		// Raw is the step's original map, passed to the parameter
		// resolver as "step" context so "{{ step.<custom key> }}"
		// expressions can reach fields this type doesn't promote.
		Raw map[string]any
	}

	// ModuleConfig is one module invocation within a step.
	ModuleConfig struct {
		ModuleID       string
		Name           string
		Inputs         map[string]any
		OutputsToState map[string]string
		Retryable      *RetryableConfig
		Addons         []AddonConfig
		SubActions     []SubActionDef
	}

	// SubActionDef is one entry in a module config's sub_actions list: a
	// declarative, in-interaction operation the Sub-Action Runner can
	// dispatch without ending the parent interaction.
	SubActionDef struct {
		ID               string
		LoadingLabel     string
		Actions          []ActionConfig
		ResultMapping    []ResultMapping
		FeedbackStateKey string
	}

	// ActionConfig is one step of a sub-action's dispatch chain. Type is
	// read off the first action to decide target_sub_action vs
	// self_sub_action dispatch; Ref and the inline fields are merged by
	// the Sub-Action Runner (overrides last) to build a full module
	// config for target_sub_action.
	ActionConfig struct {
		Type           string
		Ref            *ActionRef
		ModuleID       string
		Inputs         map[string]any
		OutputsToState map[string]string
		Name           string
		Overrides      map[string]any
	}

	// ActionRef points at an existing module config elsewhere in the
	// workflow, to be cloned as the base for an action's module config.
	ActionRef struct {
		StepID     string
		ModuleName string
	}

	// ResultMapping is one entry in a sub_action's result_mapping list:
	// it reads a dotted source path out of the child run's state and
	// writes it (replace) or array-concatenates it (merge) into a dotted
	// target path of the sub-action's output map.
	ResultMapping struct {
		Source string
		Target string
		Mode   string // "replace" or "merge"
	}

	// RetryableConfig declares the targets a module's retry_requested/
	// jump_back_requested outputs may route to. The Navigator consumes
	// these targets; the core never interprets an option beyond finding
	// the one matching the requested mode.
	RetryableConfig struct {
		Options []RetryOption
	}

	// RetryOption is one entry in a module's retryable.options list.
	RetryOption struct {
		ID              string
		Mode            string // "retry" or "jump"
		TargetStep      string
		TargetModule    string
		DefaultFeedback string
	}

	// AddonConfig is one addon entry on a module config. Inputs are
	// resolved against current state before the addon is attached; the
	// core never interprets addon contents beyond that.
	AddonConfig struct {
		ID     string
		Inputs map[string]any
	}
)

// RetryTarget returns the first "retry"-mode option's target module and
// default feedback message, per _handle_retry_from_outputs.
func (r *RetryableConfig) RetryTarget() (targetModule, defaultFeedback string, ok bool) {
	if r == nil {
		return "", "", false
	}
	for _, opt := range r.Options {
		if opt.Mode == "retry" {
			return opt.TargetModule, opt.DefaultFeedback, true
		}
	}
	return "", "", false
}

// JumpTarget returns the step/module a "jump"-mode option routes to, for
// the option whose id or target module matches jumpBackTarget, per
// _handle_jump_from_outputs.
func (r *RetryableConfig) JumpTarget(jumpBackTarget string) (targetStep, targetModule string, ok bool) {
	if r == nil {
		return "", "", false
	}
	for _, opt := range r.Options {
		if opt.Mode != "jump" {
			continue
		}
		if opt.TargetModule == jumpBackTarget || opt.ID == jumpBackTarget {
			return opt.TargetStep, opt.TargetModule, true
		}
	}
	return "", "", false
}

// Parse converts a raw resolved-workflow map (as stored by the version
// store) into a Definition. It is forgiving the same way the original
// dict-based definition was: missing optional fields take zero values;
// every step needs a "step_id" and every module a "module_id".
func Parse(raw map[string]any) (Definition, error) {
	stepsRaw, _ := raw["steps"].([]any)
	steps := make([]Step, 0, len(stepsRaw))
	for i, sr := range stepsRaw {
		sm, ok := sr.(map[string]any)
		if !ok {
			return Definition{}, fmt.Errorf("workflowdef: step %d is not an object", i)
		}
		step, err := parseStep(sm)
		if err != nil {
			return Definition{}, fmt.Errorf("workflowdef: step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	config, _ := raw["config"].(map[string]any)
	return Definition{Steps: steps, Config: config}, nil
}

func parseStep(sm map[string]any) (Step, error) {
	id, _ := sm["step_id"].(string)
	if id == "" {
		return Step{}, fmt.Errorf("step_id is required")
	}
	name, _ := sm["name"].(string)
	if name == "" {
		name = id
	}

	modulesRaw, _ := sm["modules"].([]any)
	modules := make([]ModuleConfig, 0, len(modulesRaw))
	for i, mr := range modulesRaw {
		mm, ok := mr.(map[string]any)
		if !ok {
			return Step{}, fmt.Errorf("module %d is not an object", i)
		}
		mc, err := parseModuleConfig(mm)
		if err != nil {
			return Step{}, fmt.Errorf("module %d: %w", i, err)
		}
		modules = append(modules, mc)
	}

	return Step{ID: id, Name: name, Modules: modules, Raw: sm}, nil
}

func parseModuleConfig(mm map[string]any) (ModuleConfig, error) {
	moduleID, _ := mm["module_id"].(string)
	if moduleID == "" {
		return ModuleConfig{}, fmt.Errorf("module_id is required")
	}
	name, _ := mm["name"].(string)
	if name == "" {
		name = moduleID
	}

	inputs, _ := mm["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}

	outputsToState := make(map[string]string)
	if raw, ok := mm["outputs_to_state"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				outputsToState[k] = s
			}
		}
	}

	retryable := parseRetryable(mm["retryable"])
	subActions := parseSubActions(mm["sub_actions"])

	var addons []AddonConfig
	if rawAddons, ok := mm["addons"].([]any); ok {
		for _, ra := range rawAddons {
			am, ok := ra.(map[string]any)
			if !ok {
				continue
			}
			id, _ := am["id"].(string)
			addonInputs, _ := am["inputs"].(map[string]any)
			addons = append(addons, AddonConfig{ID: id, Inputs: addonInputs})
		}
	}

	return ModuleConfig{
		ModuleID:       moduleID,
		Name:           name,
		Inputs:         inputs,
		OutputsToState: outputsToState,
		Retryable:      retryable,
		Addons:         addons,
		SubActions:     subActions,
	}, nil
}

func parseRetryable(raw any) *RetryableConfig {
	rm, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	optionsRaw, _ := rm["options"].([]any)
	if len(optionsRaw) == 0 {
		return nil
	}

	options := make([]RetryOption, 0, len(optionsRaw))
	for _, or := range optionsRaw {
		om, ok := or.(map[string]any)
		if !ok {
			continue
		}
		id, _ := om["id"].(string)
		mode, _ := om["mode"].(string)
		targetStep, _ := om["target_step"].(string)
		targetModule, _ := om["target_module"].(string)
		defaultFeedback := ""
		if fb, ok := om["feedback"].(map[string]any); ok {
			defaultFeedback, _ = fb["default_message"].(string)
		}
		options = append(options, RetryOption{
			ID:              id,
			Mode:            mode,
			TargetStep:      targetStep,
			TargetModule:    targetModule,
			DefaultFeedback: defaultFeedback,
		})
	}
	return &RetryableConfig{Options: options}
}

func parseSubActions(raw any) []SubActionDef {
	rawList, ok := raw.([]any)
	if !ok {
		return nil
	}

	defs := make([]SubActionDef, 0, len(rawList))
	for _, item := range rawList {
		sm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := sm["id"].(string)
		loadingLabel, _ := sm["loading_label"].(string)

		var actions []ActionConfig
		if rawActions, ok := sm["actions"].([]any); ok {
			for _, ra := range rawActions {
				am, ok := ra.(map[string]any)
				if !ok {
					continue
				}
				actions = append(actions, parseActionConfig(am))
			}
		}

		var mappings []ResultMapping
		if rawMappings, ok := sm["result_mapping"].([]any); ok {
			for _, rm := range rawMappings {
				mm, ok := rm.(map[string]any)
				if !ok {
					continue
				}
				source, _ := mm["source"].(string)
				target, _ := mm["target"].(string)
				mode, _ := mm["mode"].(string)
				if mode == "" {
					mode = "replace"
				}
				mappings = append(mappings, ResultMapping{Source: source, Target: target, Mode: mode})
			}
		}

		feedbackStateKey := "_retry_feedback"
		if fb, ok := sm["feedback"].(map[string]any); ok {
			if key, ok := fb["state_key"].(string); ok && key != "" {
				feedbackStateKey = key
			}
		}

		defs = append(defs, SubActionDef{
			ID:               id,
			LoadingLabel:     loadingLabel,
			Actions:          actions,
			ResultMapping:    mappings,
			FeedbackStateKey: feedbackStateKey,
		})
	}
	return defs
}

func parseActionConfig(am map[string]any) ActionConfig {
	a := ActionConfig{}
	a.Type, _ = am["type"].(string)
	a.ModuleID, _ = am["module_id"].(string)
	a.Name, _ = am["name"].(string)
	a.Inputs, _ = am["inputs"].(map[string]any)
	a.Overrides, _ = am["overrides"].(map[string]any)

	if raw, ok := am["outputs_to_state"].(map[string]any); ok {
		a.OutputsToState = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				a.OutputsToState[k] = s
			}
		}
	}

	if ref, ok := am["ref"].(map[string]any); ok {
		stepID, _ := ref["step_id"].(string)
		moduleName, _ := ref["module_name"].(string)
		a.Ref = &ActionRef{StepID: stepID, ModuleName: moduleName}
	}

	return a
}

// FindSubAction returns the sub-action definition with the given id among
// mc's configured sub_actions.
func (mc ModuleConfig) FindSubAction(id string) (SubActionDef, bool) {
	for _, sa := range mc.SubActions {
		if sa.ID == id {
			return sa, true
		}
	}
	return SubActionDef{}, false
}

// StepNumberPlaceholder is substituted into a step's display name with its
// 1-based position among the definition's steps.
const StepNumberPlaceholder = "{step_number}"

// FindStep returns the index of the step with the given id, or -1.
func (d Definition) FindStep(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// FindModule locates a module within the step by its configured name (the
// name module_completed/interaction_requested events are stamped with).
func (s Step) FindModule(moduleName string) (index int, mc ModuleConfig, ok bool) {
	for i, m := range s.Modules {
		if m.Name == moduleName {
			return i, m, true
		}
	}
	return 0, ModuleConfig{}, false
}

// FindModule locates the step and module index of the first module in
// the definition whose module name matches target. This mirrors the
// original's "first event matching step/module" walk used by retry/jump
// targets, which are named by module name rather than module_id.
func (d Definition) FindModule(moduleName string) (stepIndex, moduleIndex int, ok bool) {
	for si, s := range d.Steps {
		for mi, m := range s.Modules {
			if m.Name == moduleName {
				return si, mi, true
			}
		}
	}
	return 0, 0, false
}
