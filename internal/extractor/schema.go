// Copyright Peton Labs, 2026. All rights reserved.

package extractor

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Field is one value the extraction service should pull from a document.
type Field struct {
	// Name is the snake_case key used in prompts and the results store.
	Name string `yaml:"name"`

	// Column is the header used when exporting this field to a table.
	Column string `yaml:"column"`

	// Desc is the one-line instruction shown to the service.
	Desc string `yaml:"desc"`
}

// Category groups the fields extracted together in one service call.
type Category struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

// Columns returns the field-to-column mapping for exports.
func (c Category) Columns() map[string]string {
	cols := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		cols[f.Name] = f.Column
	}
	return cols
}

// LoadSchema reads extraction categories from a YAML file, or returns the
// built-in review schema when path is empty.
func LoadSchema(path string) ([]Category, error) {
	if path == "" {
		return DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	var cats []Category
	if err := yaml.Unmarshal(data, &cats); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("schema %s defines no categories", path)
	}
	for _, cat := range cats {
		if cat.Name == "" {
			return nil, fmt.Errorf("schema %s has a category with no name", path)
		}
		if len(cat.Fields) == 0 {
			return nil, fmt.Errorf("schema %s: category %s has no fields", path, cat.Name)
		}
		for _, f := range cat.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("schema %s: category %s has a field with no name", path, cat.Name)
			}
		}
	}
	return cats, nil
}

// DefaultSchema is the surgical-site-infection review schema: six
// categories covering study design through resistance drivers.
func DefaultSchema() []Category {
	return []Category{
		{
			Name: "study_characteristics",
			Fields: []Field{
				{Name: "author", Column: "Author", Desc: "First author surname only"},
				{Name: "year_of_publication", Column: "Year of publication", Desc: "Publication year as 4-digit number"},
				{Name: "title_of_paper", Column: "Title of paper", Desc: "Full paper title"},
				{Name: "country_countries", Column: "Country/Countries", Desc: "Study country or countries"},
				{Name: "study_design", Column: "Study Design", Desc: "Study design"},
				{Name: "study_period", Column: "Study Period", Desc: "Study time period"},
				{Name: "setting", Column: "Setting", Desc: "Study setting"},
			},
		},
		{
			Name: "population_characteristics",
			Fields: []Field{
				{Name: "total_sample_size", Column: "Total Sample Size (N)", Desc: "Total study participants as number"},
				{Name: "population_description", Column: "Population Description", Desc: "Population description"},
				{Name: "inclusion_criteria", Column: "Inclusion Criteria", Desc: "Main inclusion criteria"},
				{Name: "exclusion_criteria", Column: "Exclusion Criteria", Desc: "Main exclusion criteria"},
				{Name: "age_mean_median", Column: "Age (Mean/Median & SD/IQR)", Desc: "Age statistics"},
				{Name: "sex_distribution", Column: "Sex Distribution", Desc: "Gender breakdown"},
				{Name: "comorbidities", Column: "Comorbidities", Desc: "Main comorbidities mentioned"},
				{Name: "surgery_type", Column: "Surgery Type", Desc: "Type of surgery"},
			},
		},
		{
			Name: "interventions",
			Fields: []Field{
				{Name: "intervention_group_n", Column: "Intervention Group (N)", Desc: "Intervention group size as number"},
				{Name: "intervention_details", Column: "Intervention Details", Desc: "Intervention description"},
				{Name: "comparator_group_n", Column: "Comparator Group (N)", Desc: "Control group size as number"},
				{Name: "comparator_details", Column: "Comparator Details", Desc: "Comparator description"},
				{Name: "adherence_to_guidelines", Column: "Adherence to Guidelines (%)", Desc: "Guideline adherence percentage"},
			},
		},
		{
			Name: "primary_outcomes",
			Fields: []Field{
				{Name: "total_procedures", Column: "Total Procedures", Desc: "Total number of procedures"},
				{Name: "total_ssis", Column: "Total SSIs", Desc: "Total surgical site infection cases"},
				{Name: "ssi_incidence_rate", Column: "SSI Incidence Rate", Desc: "SSI rate as percentage"},
				{Name: "method_of_ssi_diagnosis", Column: "Method of SSI Diagnosis", Desc: "Diagnostic method"},
				{Name: "total_ssi_isolates", Column: "Total SSI Isolates", Desc: "Total isolates cultured"},
				{Name: "pathogen_1_name", Column: "Pathogen 1 Name", Desc: "Most common isolated pathogen name"},
				{Name: "pathogen_1_resistance", Column: "Pathogen 1 Resistance", Desc: "Antibiotic resistance pattern for pathogen 1"},
				{Name: "pathogen_2_name", Column: "Pathogen 2 Name", Desc: "Second most common pathogen name"},
				{Name: "pathogen_2_resistance", Column: "Pathogen 2 Resistance", Desc: "Antibiotic resistance pattern for pathogen 2"},
				{Name: "resistance_to_who_critical_abx", Column: "Resistance to WHO Critical Abx", Desc: "Resistance data for WHO critical-importance antibiotics"},
			},
		},
		{
			Name: "secondary_outcomes",
			Fields: []Field{
				{Name: "morbidity_additional_hospital_stay", Column: "Morbidity - Additional Hospital Stay (days)", Desc: "Extra hospital days attributable to SSI"},
				{Name: "morbidity_re_operation_rate", Column: "Morbidity - Re-operation rate (%)", Desc: "Re-operation rate"},
				{Name: "morbidity_readmission_rate", Column: "Morbidity - Readmission rate (%)", Desc: "Readmission rate"},
				{Name: "mortality_ssi_attributable_rate", Column: "Mortality - SSI attributable rate (%)", Desc: "SSI-related death rate"},
				{Name: "mortality_30_day_post_op", Column: "Mortality - 30-day post-op", Desc: "30-day post-operative mortality"},
				{Name: "mortality_90_day_post_op", Column: "Mortality - 90-day post-op (%)", Desc: "90-day post-operative mortality"},
				{Name: "hospital_burden_total_length_of_stay", Column: "Hospital burden - Total length of stay (days)", Desc: "Total length of stay"},
				{Name: "economic_direct_costs", Column: "Economic - direct costs", Desc: "Direct costs"},
				{Name: "economic_indirect_costs", Column: "Economic - indirect costs", Desc: "Indirect costs"},
			},
		},
		{
			Name: "drivers_innovations",
			Fields: []Field{
				{Name: "reported_drivers_of_amr", Column: "Reported Drivers of AMR", Desc: "Antimicrobial-resistance drivers mentioned"},
				{Name: "interventions_innovations_described", Column: "Interventions/Innovations Described", Desc: "Innovations described"},
				{Name: "gaps_identified_by_authors", Column: "Gaps Identified by Authors", Desc: "Gaps mentioned by the authors"},
				{Name: "policy_response_capacity", Column: "Policy Response/Capacity", Desc: "Policy responses mentioned"},
			},
		},
	}
}
