package source

// DefaultDashboards is the static subsection-to-sources table shipped with
// rased. Each subsection lists its candidate sources in priority order;
// Fields are the payload fields expected for completeness scoring.
func DefaultDashboards() []Dashboard {
	return []Dashboard{
		{
			Name: "gaza",
			Sections: []Section{
				{
					Name: "casualties",
					Subsections: []Subsection{
						{
							Dashboard: "gaza", Section: "casualties", Name: "casualties_summary",
							Fields:  []string{"killed", "injured", "children_killed", "women_killed", "last_update"},
							Sources: []string{"tech4palestine", "goodshepherd"},
						},
						{
							Dashboard: "gaza", Section: "casualties", Name: "casualties_daily",
							Fields:  []string{"report_date", "killed_cum", "injured_cum"},
							Sources: []string{"tech4palestine"},
						},
					},
				},
				{
					Name: "infrastructure",
					Subsections: []Subsection{
						{
							Dashboard: "gaza", Section: "infrastructure", Name: "infrastructure_damage",
							Fields:  []string{"residential_destroyed", "mosques_destroyed", "schools_damaged", "last_update"},
							Sources: []string{"tech4palestine", "ochaopt"},
						},
					},
				},
				{
					Name: "health",
					Subsections: []Subsection{
						{
							Dashboard: "gaza", Section: "health", Name: "health_situation",
							Fields:  []string{"report_markdown", "fetched_from"},
							Sources: []string{"ochaopt"},
						},
					},
				},
			},
		},
		{
			Name: "west_bank",
			Sections: []Section{
				{
					Name: "casualties",
					Subsections: []Subsection{
						{
							Dashboard: "west_bank", Section: "casualties", Name: "west_bank_casualties",
							Fields:  []string{"killed_cum", "injured_cum", "report_date"},
							Sources: []string{"tech4palestine", "goodshepherd"},
						},
					},
				},
				{
					Name: "prisoners",
					Subsections: []Subsection{
						{
							Dashboard: "west_bank", Section: "prisoners", Name: "prisoner_statistics",
							Fields:  []string{"total_detained", "administrative_detention", "children_detained"},
							Sources: []string{"goodshepherd"},
						},
					},
				},
				{
					Name: "settlements",
					Subsections: []Subsection{
						{
							Dashboard: "west_bank", Section: "settlements", Name: "settlement_activity",
							Fields:  []string{"report_markdown", "fetched_from"},
							Sources: []string{"ochaopt"},
						},
					},
				},
			},
		},
	}
}

// DefaultAdapters returns the shipped adapter set keyed by source ID.
// Endpoint tables mirror the upstream APIs the dashboards consume.
func DefaultAdapters() []Fetcher {
	return []Fetcher{
		NewAPIAdapter("tech4palestine", APIConfig{
			BaseURL: "https://data.techforpalestine.org/api",
			Paths: map[string]string{
				"casualties_summary":    "/v3/summary.min.json",
				"casualties_daily":      "/v2/casualties_daily.min.json",
				"infrastructure_damage": "/v3/infrastructure-damaged.min.json",
				"west_bank_casualties":  "/v2/west_bank_daily.min.json",
			},
			ProbePath: "/v3/summary.min.json",
		}),
		NewAPIAdapter("goodshepherd", APIConfig{
			BaseURL: "https://goodshepherdcollective.org/api",
			Paths: map[string]string{
				"casualties_summary":   "/casualties.json",
				"west_bank_casualties": "/wb_casualties.json",
				"prisoner_statistics":  "/prisoners.json",
			},
		}),
		NewHTMLReportAdapter("ochaopt", HTMLReportConfig{
			Pages: map[string]string{
				"health_situation":      "https://www.ochaopt.org/content/gaza-strip-health-situation",
				"settlement_activity":   "https://www.ochaopt.org/content/west-bank-settlement-activity",
				"infrastructure_damage": "https://www.ochaopt.org/content/gaza-strip-infrastructure",
			},
		}),
	}
}
