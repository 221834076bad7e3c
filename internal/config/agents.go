package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentPrompts holds the system prompts for the router and each specialist.
// Operators can override any prompt via the YAML file at AGENT_CONFIG_PATH;
// unset fields keep the built-in defaults.
type AgentPrompts struct {
	Router  string `yaml:"router"`
	Diet    string `yaml:"diet"`
	Fitness string `yaml:"fitness"`
	Medical string `yaml:"medical"`
	General string `yaml:"general"`
}

const defaultRouterPrompt = `You are a message classifier for a health assistant focused on insulin resistance.
Classify the user's message into exactly one category:
- diet: meals, food, nutrition, recipes, calories, blood sugar impact of food
- fitness: exercise, workouts, training plans, physical activity, steps
- medical: symptoms, lab results, medication, glucose readings, doctor visits
- general: greetings, small talk, questions about the assistant, anything else

Respond with ONLY a JSON object, no other text:
{"agent": "<category>", "confidence": <0.0-1.0>, "reason": "<one short sentence>"}`

const defaultDietPrompt = `You are a nutrition specialist helping users manage insulin resistance.
Give practical, low-glycemic guidance on meals, portions and food choices.
Be concise and specific. Never prescribe medication.`

const defaultFitnessPrompt = `You are a fitness specialist helping users manage insulin resistance.
Suggest safe, progressive exercise suited to the user's level and history.
Be concise and specific. Never prescribe medication.`

const defaultMedicalPrompt = `You are a medical information specialist for insulin resistance.
Explain lab values, symptoms and terminology in plain language.
Always remind the user to confirm decisions with their clinician.
Never diagnose and never prescribe medication.`

const defaultGeneralPrompt = `You are a friendly health assistant for people managing insulin resistance.
Answer general questions, greet users warmly, and point them toward the
diet, fitness or medical topics you can help with.`

// DefaultAgentPrompts returns the built-in prompt set.
func DefaultAgentPrompts() AgentPrompts {
	return AgentPrompts{
		Router:  defaultRouterPrompt,
		Diet:    defaultDietPrompt,
		Fitness: defaultFitnessPrompt,
		Medical: defaultMedicalPrompt,
		General: defaultGeneralPrompt,
	}
}

// LoadAgentPrompts reads prompt overrides from a YAML file. A missing file
// is not an error; the defaults are returned unchanged.
func LoadAgentPrompts(path string) (AgentPrompts, error) {
	prompts := DefaultAgentPrompts()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prompts, nil
		}
		return prompts, fmt.Errorf("failed to read agent config: %w", err)
	}

	var overrides AgentPrompts
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return prompts, fmt.Errorf("failed to parse agent config: %w", err)
	}

	if overrides.Router != "" {
		prompts.Router = overrides.Router
	}
	if overrides.Diet != "" {
		prompts.Diet = overrides.Diet
	}
	if overrides.Fitness != "" {
		prompts.Fitness = overrides.Fitness
	}
	if overrides.Medical != "" {
		prompts.Medical = overrides.Medical
	}
	if overrides.General != "" {
		prompts.General = overrides.General
	}

	return prompts, nil
}
